package main

import (
	"github.com/spf13/cobra"

	"github.com/ashita-ai/hyoka/internal/jobs"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Inspect batch run status",
	}
	cmd.AddCommand(statusCurrentCmd())
	cmd.AddCommand(statusHistoryCmd())
	cmd.AddCommand(statusShowCmd())
	cmd.AddCommand(statusLogsCmd())
	return cmd
}

func openTracker() (*jobs.Tracker, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return jobs.Open(cfg.JobStatusPath)
}

func statusCurrentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the most recent run with derived stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := openTracker()
			if err != nil {
				return err
			}
			defer tracker.Close()

			run, err := tracker.CurrentRun(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
}

func statusHistoryCmd() *cobra.Command {
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := openTracker()
			if err != nil {
				return err
			}
			defer tracker.Close()

			runs, err := tracker.ListHistory(cmd.Context(), page, pageSize)
			if err != nil {
				return err
			}
			return printJSON(runs)
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number (1-based)")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "runs per page")
	return cmd
}

func statusShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := openTracker()
			if err != nil {
				return err
			}
			defer tracker.Close()

			run, err := tracker.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
}

func statusLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <run-id> <item-id>",
		Short: "Show one item's log trail",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := openTracker()
			if err != nil {
				return err
			}
			defer tracker.Close()

			logs, err := tracker.ItemLogs(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(logs)
		},
	}
}
