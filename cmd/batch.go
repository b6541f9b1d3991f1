package cmd

import (
	"context"
	"fmt"

	"report-signal-service/service"

	"github.com/apex/log"
	"github.com/spf13/cobra"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Run one clustering pass over recent reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
			res, err := svc.RunAggregation(ctx)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var recalculateIssuesCmd = &cobra.Command{
	Use:   "recalculate-issues [issue-id]",
	Short: "Recompute issue confidence for one issue or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
			if len(args) == 1 {
				res, err := svc.RecalculateIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(res)
			}
			sum, err := svc.RecalculateAllIssues(ctx)
			if err != nil {
				return err
			}
			return printJSON(sum)
		})
	},
}

var recalculatePriorityCmd = &cobra.Command{
	Use:   "recalculate-priority [report-id]",
	Short: "Re-score priority and escalation for one report or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
			if len(args) == 1 {
				r, err := svc.RecalculatePriority(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(r)
			}
			sum, err := svc.RecalculateAllPriorities(ctx)
			if err != nil {
				return err
			}
			return printJSON(sum)
		})
	},
}

func init() {
	rootCmd.AddCommand(aggregateCmd, recalculateIssuesCmd, recalculatePriorityCmd)
}

// withService opens the store, runs fn and releases everything again.
// Background workers are not started.
func withService(ctx context.Context, fn func(context.Context, *service.Service) error) error {
	svc, err := service.NewService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			log.WithError(err).Warn("Error stopping service")
		}
	}()
	return fn(ctx, svc)
}
