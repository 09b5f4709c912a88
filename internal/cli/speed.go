package cli

import (
	"fmt"
	"os"

	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Smellon69/exception-based-comms/internal/config"
	"github.com/Smellon69/exception-based-comms/internal/logging"
	"github.com/Smellon69/exception-based-comms/internal/rendezvous"
	"github.com/Smellon69/exception-based-comms/internal/speedtest"
	"github.com/Smellon69/exception-based-comms/internal/transport/exc"
)

var speedCmd = &cobra.Command{
	Use:   "speed",
	Short: "Run the two-round exception channel speed test",
	Long: `Runs one participant of the speed test. Launch two instances; the
first to create the rendezvous store becomes the server and sends round 1,
the second becomes the client and receives it. Round 2 swaps the roles.`,
	SilenceUsage: true,
	RunE:         runSpeed,
}

func init() {
	rootCmd.AddCommand(speedCmd)

	speedCmd.Flags().Int("iterations", config.DefaultIterations, "messages to send per round")
	speedCmd.Flags().String("payload", config.DefaultPayload, "message payload")
	speedCmd.Flags().Uint32("signature", config.DefaultSignature, "exception code identifying the channel")
	speedCmd.Flags().String("store-name", config.DefaultStoreName, "name of the shared rendezvous store")
	speedCmd.Flags().Duration("settle-delay", config.DefaultSettleDelay, "pause before each send loop")
	speedCmd.Flags().Duration("ready-bound", config.DefaultReadyBound, "how long to wait for the receiver's ready signal")
	speedCmd.Flags().Int("join-attempts", config.DefaultJoinAttempts, "partner poll attempts during negotiation")
	speedCmd.Flags().Duration("join-delay", config.DefaultJoinDelay, "delay between partner poll attempts")
	speedCmd.Flags().Duration("receive-timeout", 0, "bound on a receive round (0 waits forever)")

	_ = viper.BindPFlags(speedCmd.Flags())
}

func runSpeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromViper()
	if err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel, cfg.LogJSON).WithSession(xid.New().String())

	emitter, err := exc.NewEmitter(cfg.Signature)
	if err != nil {
		return fmt.Errorf("exception emitter: %w", err)
	}
	defer emitter.Close()

	debugger, err := exc.NewDebugger()
	if err != nil {
		return fmt.Errorf("debugger: %w", err)
	}

	store, err := rendezvous.Open(cfg.StoreName)
	if err != nil {
		return fmt.Errorf("rendezvous store: %w", err)
	}
	defer store.Close()

	role := store.Role()
	fmt.Printf("Role: %s (PID %d)\n", role, os.Getpid())

	session := speedtest.New(store, emitter, debugger, speedtest.ParamsFromConfig(cfg),
		speedtest.WithLogger(log))

	results, err := session.Run(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Println()
	for _, r := range results {
		printRound(r, role)
	}
	fmt.Println("Speed test complete.")
	return nil
}

// printRound renders one round from this process's perspective.
func printRound(r speedtest.RoundResult, own rendezvous.Role) {
	if r.Sender == own {
		fmt.Printf("Round %d: sent %d messages in %v (%.0f msg/s)\n",
			r.Round, r.Attempted, r.Elapsed, r.Rate)
		return
	}
	fmt.Printf("Round %d: observed %d/%d messages (%s)\n",
		r.Round, r.Observed, r.Attempted, r.Outcome)
}
