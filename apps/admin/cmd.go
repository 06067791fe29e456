package main

import (
	"database/sql"
	"io"
	"strings"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/trezcool/masomo-directory/apps/api/echo"
	"github.com/trezcool/masomo-directory/core"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	conf           *core.Config
	db             *sql.DB
	translator     ut.Translator
	progressionSvc echoapi.ProgressionService
	in             io.Reader
	out            io.Writer
}

// run executes args (program name included) against a fresh command tree.
func (cli *commandLine) run(args []string) error {
	root := cli.rootCommand()
	if len(args) > 0 {
		args = args[1:]
	}
	root.SetArgs(args)
	root.SetIn(cli.in)
	root.SetOut(cli.out)
	root.SetErr(cli.out)
	return root.Execute()
}

func (cli *commandLine) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "admin",
		Short: "Masomo directory administration",
		Long: `Administration commands for the Masomo directory.

Examples:
  admin migrate up                               # apply pending migrations
  admin token -o ops@school.cd --admin           # sign an API token
  admin progression start 2026                   # stage the 2026 progression
  admin progression assign 2026 dep-1 3B         # assign a class
  admin progression apply 2026 --yes             # commit the progression`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return usage(cmd)
		},
	}
	root.AddCommand(
		cli.migrateCommand(),
		cli.tokenCommand(),
		cli.progressionCommand(),
	)
	return root
}

// usage prints the command help and reports errHelp, so that callers exit non-zero.
func usage(cmd *cobra.Command) error {
	_ = cmd.Help()
	return errHelp
}

// describe renders err for the terminal; validation errors are listed per field.
func describe(err error, translator ut.Translator) string {
	var flds []core.FieldError
	switch e := errors.Cause(err).(type) {
	case validator.ValidationErrors:
		flds = core.TranslateValidationErrors(e, translator)
	case *core.ValidationError:
		flds = e.Fields
	}
	if len(flds) == 0 {
		return err.Error()
	}

	var b strings.Builder
	b.WriteString("invalid input:")
	for _, fld := range flds {
		b.WriteString("\n  " + fld.Field + ": " + fld.Error)
	}
	return b.String()
}
