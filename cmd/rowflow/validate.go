package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"rowflow/internal/pipeline"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a graph file without running it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
	cmd.Flags().StringToStringP("var", "v", nil, "variable NAME=VALUE, repeatable")
	cmd.Flags().Bool("all", false, "also print OK remarks")
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	vars, _ := cmd.Flags().GetStringToString("var")
	all, _ := cmd.Flags().GetBool("all")

	e, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	diags, err := e.ValidateGraph(args[0], vars)
	if err != nil {
		return err
	}
	if !all {
		diags = diags.Filter(pipeline.SeverityWarning)
	}
	for _, r := range diags {
		fmt.Fprintln(cmd.OutOrStdout(), r.String())
	}
	return diags.Err()
}
