package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/driftlab/puffsync/internal/record"
	"github.com/driftlab/puffsync/internal/store"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local journal state",
	Long: `Show what the local journal holds without connecting to a device:
puff count, the last confirmed sequence per record series, and the most
recent phase transition.`,
	RunE: runStatusCmd,
}

var (
	statusDB      string
	statusFormat  string
	statusVerbose bool
)

func init() {
	statusCmd.Flags().StringVar(&statusDB, "db", "", "Path to the journal database")
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "", "Output format (table, json)")
	statusCmd.Flags().BoolVar(&statusVerbose, "verbose", false, "Enable debug logging")
}

type journalStatus struct {
	PuffCount        int64                   `json:"puff_count"`
	PuffHighWater    uint32                  `json:"puff_high_water"`
	PhaseHighWater   uint32                  `json:"phase_high_water"`
	LatestPhase      *record.PhaseTransition `json:"latest_phase,omitempty"`
	LatestPhasePuffs int                     `json:"latest_phase_puffs"`
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dbPath := cfg.DatabasePath
	if statusDB != "" {
		dbPath = statusDB
	}
	format := cfg.OutputFormat
	if statusFormat != "" {
		format = statusFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", format)
	}

	cmd.SilenceUsage = true

	st, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	status, err := collectStatus(st)
	if err != nil {
		return err
	}

	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	printStatus(status)
	return nil
}

func collectStatus(st *store.Store) (*journalStatus, error) {
	count, err := st.CountPuffs()
	if err != nil {
		return nil, err
	}
	puffHW, err := st.HighestSequence(record.KindPuff)
	if err != nil {
		return nil, err
	}
	phaseHW, err := st.HighestSequence(record.KindPhaseTransition)
	if err != nil {
		return nil, err
	}
	latest, err := st.LatestPhaseTransition()
	if err != nil {
		return nil, err
	}
	status := &journalStatus{
		PuffCount:      count,
		PuffHighWater:  puffHW,
		PhaseHighWater: phaseHW,
		LatestPhase:    latest,
	}
	if latest != nil {
		puffs, err := st.PuffsForPhase(latest.PhaseIndex)
		if err != nil {
			return nil, err
		}
		status.LatestPhasePuffs = len(puffs)
	}
	return status, nil
}

func printStatus(s *journalStatus) {
	label := color.New(color.FgCyan)
	value := color.New(color.Bold)

	label.Print("Puffs stored:          ")
	value.Printf("%d\n", s.PuffCount)
	label.Print("Puff high water:       ")
	value.Printf("%d\n", s.PuffHighWater)
	label.Print("Phase high water:      ")
	value.Printf("%d\n", s.PhaseHighWater)

	label.Print("Latest phase:          ")
	if s.LatestPhase == nil {
		color.New(color.FgYellow).Println("none recorded")
		return
	}
	value.Printf("phase %d (seq %d, started %s)\n",
		s.LatestPhase.PhaseIndex,
		s.LatestPhase.Seq,
		time.Unix(int64(s.LatestPhase.StartedAt), 0).UTC().Format(time.RFC3339),
	)
	label.Print("Puffs in that phase:   ")
	value.Printf("%d\n", s.LatestPhasePuffs)
}
