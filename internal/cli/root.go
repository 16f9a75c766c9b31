package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"basegraph.co/backfill/internal/service"
)

// NewRootCmd builds the backfillctl command tree around svc. Command output
// is written to out.
func NewRootCmd(svc service.BackfillService, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "backfillctl",
		Short:         "Start and inspect GitLab backfills",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.AddCommand(StartCmd(svc))
	root.AddCommand(StatusCmd(svc))
	root.AddCommand(KickCmd(svc))
	return root
}

func parseSubscriptionID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid subscription id %q", raw)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
