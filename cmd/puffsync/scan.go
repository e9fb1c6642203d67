package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftlab/puffsync/internal/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for puff recorders",
	Long: `Scan for nearby puff recorder peripherals.

By default only devices advertising the puff sync service are shown.
Use --all to list every BLE device in range.`,
	RunE: runScanCmd,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanAll       bool
	scanAllowList []string
	scanVerbose   bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (0 uses the configured default)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Show all devices, not just puff recorders")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().BoolVar(&scanVerbose, "verbose", false, "Enable debug logging")
}

func runScanCmd(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	format := cfg.OutputFormat
	if scanFormat != "" {
		format = scanFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", format)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	opts := scanner.DefaultScanOptions()
	opts.Duration = cfg.ScanTimeout.Std()
	if scanDuration > 0 {
		opts.Duration = scanDuration
	}
	opts.SyncServiceOnly = !scanAll
	opts.AllowList = scanAllowList

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	progress := newProgressPrinter("Scanning for puff recorders", opts.Duration)
	progress.Start()

	s := scanner.NewScanner(logger)
	devices, err := s.Scan(ctx, opts)
	progress.Stop()
	if err != nil {
		return err
	}

	if format == "json" {
		return displayDevicesJSON(devices)
	}
	return displayDevicesTable(devices)
}

func displayDevicesTable(devices map[string]*scanner.DeviceInfo) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	list := make([]*scanner.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	// Strongest signal first
	sort.Slice(list, func(i, j int) bool {
		return list[i].RSSI > list[j].RSSI
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	for _, d := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			d.DisplayName(),
			d.Address,
			d.RSSI,
			strings.Join(d.AdvertisedServices, ","),
			d.LastSeen.Format(time.TimeOnly),
		)
	}
	return w.Flush()
}

func displayDevicesJSON(devices map[string]*scanner.DeviceInfo) error {
	type deviceJSON struct {
		Name     string   `json:"name"`
		Address  string   `json:"address"`
		RSSI     int      `json:"rssi"`
		Services []string `json:"services,omitempty"`
	}

	out := make([]deviceJSON, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceJSON{
			Name:     d.DisplayName(),
			Address:  d.Address,
			RSSI:     d.RSSI,
			Services: d.AdvertisedServices,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RSSI > out[j].RSSI })

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
