package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newSweepCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Release expired reservations once",
		Long: `Run a single expiry sweep and exit.

Every active reservation past its deadline is released and the request
audit trail is trimmed to the configured retention. This is useful from a
cron job when no serve process runs the sweeper.`,
		Example: `  # Sweep the etcd lease store
  ENVALLOC_STORE_HOST=etcd-0 envalloc sweep`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), version)
		},
	}

	return cmd
}

func runSweep(ctx context.Context, version string) error {
	a, err := openApp(ctx, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("Failed to close cleanly")
		}
	}()

	sweeper := a.sweeper()
	released, err := sweeper.SweepOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	evicted, err := sweeper.Evict(ctx)
	if err != nil {
		return fmt.Errorf("eviction failed: %w", err)
	}

	log.Info().Int("released", released).Int("evicted", evicted).Msg("Sweep complete")
	if jsonOutput {
		return printJSON(map[string]int{"released": released, "evicted": evicted})
	}
	fmt.Printf("Released %d expired reservations, evicted %d requests\n", released, evicted)
	return nil
}
