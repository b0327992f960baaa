package main

import (
	"github.com/spf13/cobra"
)

func newResultCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "result <id>",
		Short: "Print the stored record of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			j, err := a.engine.Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
}
