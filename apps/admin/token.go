package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trezcool/masomo-directory/apps/api/echo"
	"github.com/trezcool/masomo-directory/core"
)

func (cli *commandLine) tokenCommand() *cobra.Command {
	var (
		op      core.Operator
		isAdmin bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an API bearer token for an operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			op.ID = core.CleanString(op.ID)
			op.Email = core.CleanString(op.Email, true /* lower */)
			if op.ID == "" {
				return usage(cmd)
			}
			token, err := echoapi.GenerateToken(cli.conf, echoapi.NewOperatorClaims(cli.conf, op, isAdmin))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVarP(&op.ID, "operator", "o", "", "The operator id, recorded on every staged edit and audit entry.")
	cmd.Flags().StringVar(&op.Email, "email", "", "The operator email.")
	cmd.Flags().BoolVar(&isAdmin, "admin", false, "Grant access to the admin endpoints.")
	return cmd
}
