package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/driftlab/puffsync/internal/engine"
	"github.com/driftlab/puffsync/internal/store"
	"github.com/driftlab/puffsync/internal/transport"
	"github.com/driftlab/puffsync/pkg/session"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync records from a puff recorder",
	Long: `Connect to a puff recorder and pull its records into the local journal.

The session resumes from the last confirmed record on each connect, so
interrupted transfers never re-download what is already stored. The
command keeps the link open for live records until interrupted.`,
	RunE: runRunCmd,
}

var (
	runDevice  string
	runDB      string
	runVerbose bool
)

func init() {
	runCmd.Flags().StringVarP(&runDevice, "device", "D", "", "Peripheral address to connect to")
	runCmd.Flags().StringVar(&runDB, "db", "", "Path to the journal database")
	runCmd.Flags().BoolVar(&runVerbose, "verbose", false, "Enable debug logging")
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	device := cfg.Device
	if runDevice != "" {
		device = runDevice
	}
	if device == "" {
		return fmt.Errorf("no device address: pass --device or set device in the config file")
	}

	dbPath := cfg.DatabasePath
	if runDB != "" {
		dbPath = runDB
	}

	cmd.SilenceUsage = true

	st, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	engineOpts := engine.DefaultOptions()
	engineOpts.RetryMax = cfg.Sync.RetryMax
	engineOpts.BackoffDelay = cfg.Sync.BackoffDelay.Std()
	engineOpts.BackfillPageSize = cfg.Sync.BackfillPageSize
	engineOpts.ContinuationPageSize = cfg.Sync.ContinuationPageSize

	source := transport.NewBLESource(logger)
	sess, err := session.New(source, st, engineOpts, logger)
	if err != nil {
		return err
	}

	connectOpts := transport.DefaultConnectOptions(device)
	connectOpts.ConnectTimeout = cfg.ConnectTimeout.Std()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	progress := newProgressPrinter("Connecting to "+device, 0)
	progress.Start()
	err = sess.Start(ctx, connectOpts)
	progress.Stop()
	if err != nil {
		return err
	}
	defer sess.Stop()

	fmt.Println("Syncing. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println("\nStopping...")
			printSyncSummary(sess, st)
			return nil
		case <-ticker.C:
			snap := sess.Status()
			logger.WithFields(logrus.Fields{
				"connected":   snap.Connected,
				"puff_state":  snap.PuffState.String(),
				"puff_seq":    snap.PuffLastConfirmed,
				"phase_state": snap.PhaseState.String(),
				"phase_seq":   snap.PhaseLastConfirmed,
			}).Debug("Sync progress")
		}
	}
}

func printSyncSummary(sess *session.Session, st *store.Store) {
	snap := sess.Status()
	count, err := st.CountPuffs()
	if err != nil {
		return
	}
	fmt.Printf("Journal holds %d puffs (last confirmed puff %d, phase transition %d)\n",
		count, snap.PuffLastConfirmed, snap.PhaseLastConfirmed)
}
