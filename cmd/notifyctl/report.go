package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-notify-lite/internal/reporter"
	"github.com/shineum/smtp-notify-lite/internal/throttle"
)

var reportCmd = &cobra.Command{
	Use:   "report [text]",
	Short: "Submit an exception report through the suppression pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().Int("repeat", 1, "submit the same report this many times")
}

func runReport(cmd *cobra.Command, args []string) error {
	repeat, _ := cmd.Flags().GetInt("repeat")
	ctx := cmd.Context()

	e, err := setup(ctx)
	if err != nil {
		return err
	}

	policy, err := e.cfg.ResetPolicy()
	if err != nil {
		return err
	}

	var store throttle.Store = throttle.NewMemoryStore(policy)
	if e.cfg.RedisEnabled() {
		client, err := throttle.OpenRedis(ctx, e.cfg.Redis.Addr, e.cfg.Redis.Password, e.cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		store = throttle.NewRedisStore(client, policy)
		e.log.Info().Str("addr", e.cfg.Redis.Addr).Msg("using redis suppression store")
	}

	recipients, err := e.cfg.Recipients()
	if err != nil {
		return err
	}

	rep := reporter.New(e.agent, store, e.cfg.ReporterSettings(version), e.log.Logger)
	rep.SetTenant(&reporter.Tenant{Transport: e.transport, DeliveryList: recipients})

	for i := 0; i < repeat; i++ {
		d := rep.ReportText(ctx, args[0])
		switch {
		case d.Suppressed != nil:
			fmt.Fprintf(cmd.OutOrStdout(), "report %d: suppressed (%s)\n", i+1, d.Suppressed.Cause)
		case d.Err != nil:
			fmt.Fprintf(cmd.OutOrStdout(), "report %d: error: %v\n", i+1, d.Err)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "report %d: dispatched to %d recipient(s), digest %s\n", i+1, d.Dispatched, d.Digest)
		}
	}

	// Deliveries are fire-and-forget; let them finish before the process exits.
	e.agent.Wait()
	return nil
}
