package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	auditLimit int
	auditSince time.Duration
	auditJSON  bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of events to show (0 for all)")
	auditListCmd.Flags().DurationVar(&auditSince, "since", 0, "Only show events newer than this (e.g. 24h)")
	auditListCmd.Flags().BoolVar(&auditJSON, "json", false, "Output in JSON format")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspects the audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists recent audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		var since time.Time
		if auditSince > 0 {
			since = time.Now().Add(-auditSince)
		}
		events, err := auditLog.ListEvents(auditLimit, since)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if auditJSON {
			data, err := json.MarshalIndent(events, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}
		if len(events) == 0 {
			fmt.Fprintln(out, "No audit events")
			return nil
		}
		for _, e := range events {
			line := fmt.Sprintf("%s  %-22s %-10s %-8s", e.Timestamp, e.Operation, e.Source, e.Result)
			if e.Error != nil {
				line += " " + e.Error.Message
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verifies the integrity of the audit chain",
	Long: `Re-walks every audit record and checks sequence numbers, predecessor links
and HMACs. The chain key is derived from the vault key, so the master password
is required.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		result, err := auditLog.Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		out := cmd.OutOrStdout()
		if !result.Valid {
			fmt.Fprintf(out, "Audit log INVALID (%d records, %d errors)\n", result.Records, len(result.Errors))
			for _, e := range result.Errors {
				fmt.Fprintf(out, "  - %s\n", e)
			}
			return fmt.Errorf("audit chain verification failed")
		}
		fmt.Fprintf(out, "Audit log OK (%d records)\n", result.Records)
		return nil
	},
}
