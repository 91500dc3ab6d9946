package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"rowflow/internal/result"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a graph file, or a workflow file with --workflow",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	cmd.Flags().BoolP("workflow", "w", false, "FILE is a workflow")
	cmd.Flags().StringToStringP("var", "v", nil, "variable NAME=VALUE, repeatable")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	isWorkflow, _ := cmd.Flags().GetBool("workflow")
	vars, _ := cmd.Flags().GetStringToString("var")

	e, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	var res *result.Result
	if isWorkflow {
		res, err = e.RunWorkflow(cmd.Context(), args[0], vars)
	} else {
		res, err = e.RunGraph(cmd.Context(), args[0], vars)
	}
	if res != nil {
		printSummary(cmd, res)
	}
	if err != nil {
		return err
	}
	if res.Status() != result.Finished || res.Errors() > 0 {
		return fmt.Errorf("run ended %s with %d errors", res.Status(), res.Errors())
	}
	return nil
}

func printSummary(cmd *cobra.Command, res *result.Result) {
	c := res.Counters()
	d := res.Dates()
	summary := map[string]any{
		"status":   res.Status().String(),
		"counters": c,
		"started":  d.Start,
		"ended":    d.End,
	}
	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
}
