package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	"rowflow/internal/transport"
)

func newRemoteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Query a running control service",
	}
	cmd.PersistentFlags().StringP("addr", "a", "localhost:7070", "control service address")
	cmd.PersistentFlags().Duration("timeout", 10*time.Second, "call timeout")

	cmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check the service and list its transform kinds",
		Args:  cobra.NoArgs,
		RunE:  runPing,
	})

	validate := &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a graph file on the service",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemoteValidate,
	}
	validate.Flags().StringToStringP("var", "v", nil, "variable NAME=VALUE, repeatable")
	cmd.AddCommand(validate)

	snapshots := &cobra.Command{
		Use:   "snapshots",
		Short: "Print the newest log table records",
		Args:  cobra.NoArgs,
		RunE:  runSnapshots,
	}
	snapshots.Flags().StringP("table", "t", "PIPELINE", "table code: WORKFLOW, PIPELINE or TRANSFORM")
	snapshots.Flags().IntP("limit", "n", 20, "maximum records")
	cmd.AddCommand(snapshots)
	return cmd
}

func dialControl(cmd *cobra.Command) (*transport.ControlClient, error) {
	addr, _ := cmd.Flags().GetString("addr")
	return transport.DialControl(addr)
}

func runPing(cmd *cobra.Command, _ []string) error {
	c, err := dialControl(cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	out, err := c.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), protojson.Format(out))
	return nil
}

func runRemoteValidate(cmd *cobra.Command, args []string) error {
	doc, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	vars, _ := cmd.Flags().GetStringToString("var")
	c, err := dialControl(cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	out, err := c.Validate(ctx, string(doc), vars)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), protojson.Format(out))
	if !out.GetFields()["valid"].GetBoolValue() {
		return fmt.Errorf("%s is not valid", args[0])
	}
	return nil
}

func runSnapshots(cmd *cobra.Command, _ []string) error {
	table, _ := cmd.Flags().GetString("table")
	limit, _ := cmd.Flags().GetInt("limit")
	c, err := dialControl(cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	recs, err := c.Snapshots(ctx, table, limit)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
