package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"basegraph.co/backfill/internal/http/dto"
	"basegraph.co/backfill/internal/model"
	"basegraph.co/backfill/internal/service"
)

func StartCmd(svc service.BackfillService) *cobra.Command {
	var (
		tasks      []string
		since      string
		fullResync bool
	)

	cmd := &cobra.Command{
		Use:   "start <subscription-id>",
		Short: "Start or restart the backfill of a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subscriptionID, err := parseSubscriptionID(args[0])
			if err != nil {
				return err
			}

			targetTasks, err := model.ParseTaskTypes(tasks)
			if err != nil {
				return err
			}

			params := service.StartBackfillParams{
				TargetTasks: targetTasks,
				FullResync:  fullResync,
			}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("invalid --since %q: expected RFC3339", since)
				}
				params.Since = &t
			}

			sub, err := svc.StartBackfill(cmd.Context(), subscriptionID, params)
			if err != nil {
				return fmt.Errorf("failed to start backfill: %w", err)
			}
			return printJSON(cmd, dto.ToSubscriptionResponse(sub))
		},
	}

	cmd.Flags().StringSliceVar(&tasks, "tasks", nil, "comma separated task types to backfill")
	cmd.Flags().StringVar(&since, "since", "", "only backfill items updated after this RFC3339 time")
	cmd.Flags().BoolVar(&fullResync, "full-resync", false, "rediscover repositories and restart every task")
	return cmd
}
