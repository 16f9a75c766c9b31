package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"basegraph.co/backfill/internal/http/dto"
	"basegraph.co/backfill/internal/service"
)

func StatusCmd(svc service.BackfillService) *cobra.Command {
	return &cobra.Command{
		Use:   "status <subscription-id>",
		Short: "Show backfill progress of a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subscriptionID, err := parseSubscriptionID(args[0])
			if err != nil {
				return err
			}

			progress, err := svc.Status(cmd.Context(), subscriptionID)
			if err != nil {
				return fmt.Errorf("failed to load status: %w", err)
			}
			return printJSON(cmd, dto.ToBackfillStatusResponse(progress))
		},
	}
}

func KickCmd(svc service.BackfillService) *cobra.Command {
	return &cobra.Command{
		Use:   "kick <subscription-id>",
		Short: "Enqueue a tick for an active backfill now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subscriptionID, err := parseSubscriptionID(args[0])
			if err != nil {
				return err
			}

			if err := svc.Kick(cmd.Context(), subscriptionID); err != nil {
				return fmt.Errorf("failed to kick backfill: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backfill %d kicked.\n", subscriptionID)
			return nil
		},
	}
}
