package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tutu-network/peerd/internal/daemon"
)

func init() {
	runCmd.Flags().IntVar(&runPort, "port", 0, "Peer listen port (overrides config)")
	runCmd.Flags().IntVar(&runAPIPort, "api-port", 0, "Status API port (overrides config)")
	runCmd.Flags().StringVar(&runPeersFile, "peers-file", "", "Peer file path (overrides config)")
	runCmd.Flags().StringSliceVar(&runTargets, "target", nil, "Extra target peer IPs to seed")
	rootCmd.AddCommand(runCmd)
}

var (
	runPort      int
	runAPIPort   int
	runPeersFile string
	runTargets   []string
)

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"serve"},
	Short:   "Start the peer controller",
	Long: `Start the peer controller: listen for peers, dial known ones and
serve the status API. Stops on SIGINT or SIGTERM after a final peer file flush.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(&cfg)

	ctx := context.Background()
	d, err := daemon.NewWithConfig(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Serve(ctx)
}

// applyRunFlags overrides config from flags.
func applyRunFlags(cfg *daemon.Config) {
	if runPort > 0 {
		cfg.Node.ListenPort = runPort
	}
	if runAPIPort > 0 {
		cfg.API.Port = runAPIPort
	}
	if runPeersFile != "" {
		cfg.Node.PeersFile = runPeersFile
	}
	cfg.Node.TargetPeers = append(cfg.Node.TargetPeers, runTargets...)
}
