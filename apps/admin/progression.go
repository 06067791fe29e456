package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/trezcool/masomo-directory/core/progression"
)

var (
	isTerminalFunc = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) } // mockable

	errNotConfirmed = errors.New("apply not confirmed")
	errNeedsConfirm = errors.New("refusing to apply from a non-interactive session without --yes")
)

const defaultOperator = "admin-cli"

// progressionCommand groups the commands driving a school-year progression from a terminal.
func (cli *commandLine) progressionCommand() *cobra.Command {
	var operatorID string

	cmd := &cobra.Command{
		Use:   "progression",
		Short: "Stage, review and apply a school-year progression",
		RunE: func(cmd *cobra.Command, args []string) error {
			return usage(cmd)
		},
	}
	cmd.PersistentFlags().StringVarP(&operatorID, "operator", "o", defaultOperator, "The operator id recorded on edits and audit entries.")
	operator := func() string { return operatorID }

	cmd.AddCommand(
		cli.progressionStartCommand(operator),
		cli.progressionStatusCommand(),
		cli.progressionAssignCommand(operator),
		cli.progressionDepartCommand(operator),
		cli.progressionUndepartCommand(),
		cli.progressionApplyCommand(operator),
	)
	return cmd
}

func (cli *commandLine) progressionStartCommand(operator func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "start YEAR",
		Short: "Stage the progression of every dependent for YEAR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := cli.progressionSvc.Start(cmd.Context(), progression.StartRequest{Year: args[0]}, operator())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func (cli *commandLine) progressionStatusCommand() *cobra.Command {
	var withAudit bool
	cmd := &cobra.Command{
		Use:   "status WORKFLOW",
		Short: "Print everything staged under a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if withAudit {
				entries, err := cli.progressionSvc.QueryAudit(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			}
			st, err := cli.progressionSvc.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&withAudit, "audit", false, "Print the audit trail instead.")
	return cmd
}

func (cli *commandLine) progressionAssignCommand(operator func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "assign WORKFLOW DEPENDENT CLASS",
		Short: "Assign the next class of a dependent needing reassignment",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cli.progressionSvc.AssignClass(cmd.Context(), args[0], args[1], args[2], operator())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a)
		},
	}
}

func (cli *commandLine) progressionDepartCommand(operator func() string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "depart WORKFLOW DEPENDENT...",
		Short: "Mark dependents as leaving the school",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := progression.DepartingRequest{DependentIDs: args[1:], Reason: reason}
			records, err := cli.progressionSvc.MarkDeparting(cmd.Context(), args[0], req, operator())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the dependents are leaving.")
	return cmd
}

func (cli *commandLine) progressionUndepartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "undepart WORKFLOW DEPENDENT",
		Short: "Cancel a departure; the dependent progresses normally again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.progressionSvc.UnmarkDeparting(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}
}

func (cli *commandLine) progressionApplyCommand(operator func() string) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "apply WORKFLOW",
		Short: "Commit a staged progression to the directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				if err := confirm(cmd, fmt.Sprintf("Apply progression %s? This cannot be undone. [y/N] ", args[0])); err != nil {
					return err
				}
			}
			stats, err := cli.progressionSvc.Apply(cmd.Context(), args[0], operator())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation.")
	return cmd
}

// confirm asks the operator on an interactive stdin; anything but y/yes declines.
func confirm(cmd *cobra.Command, prompt string) error {
	if !isTerminalFunc() {
		return errNeedsConfirm
	}
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "reading confirmation")
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	default:
		return errNotConfirmed
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
