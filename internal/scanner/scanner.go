// Package scanner discovers nearby puff-recorder peripherals by their
// advertised sync service.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/driftlab/puffsync/internal/bledev"
	"github.com/driftlab/puffsync/internal/transport"
)

// DeviceInfo describes one discovered peripheral.
type DeviceInfo struct {
	Address            string
	Name               string
	RSSI               int
	Connectable        bool
	LastSeen           time.Time
	AdvertisedServices []string

	mu sync.Mutex
}

// DisplayName prefers the advertised local name, falling back to address.
func (d *DeviceInfo) DisplayName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Name != "" {
		return d.Name
	}
	return d.Address
}

func (d *DeviceInfo) update(adv blelib.Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.RSSI = adv.RSSI()
	d.LastSeen = time.Now()
	if name := adv.LocalName(); name != "" {
		d.Name = name
	}
}

// ScanOptions configures discovery behavior.
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	// SyncServiceOnly restricts results to peripherals advertising the
	// puff sync service.
	SyncServiceOnly bool
	AllowList       []string
}

// DefaultScanOptions returns default discovery options.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
		SyncServiceOnly: true,
	}
}

// Scanner handles peripheral discovery.
type Scanner struct {
	devices *hashmap.Map[string, *DeviceInfo]
	logger  *logrus.Logger

	scanOptions *ScanOptions
}

// NewScanner creates a scanner.
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{logger: logger}
}

// Scan performs discovery for the configured duration and returns the
// devices seen.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) (map[string]*DeviceInfo, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	s.devices = hashmap.New[string, *DeviceInfo]()
	s.scanOptions = opts
	defer func() { s.scanOptions = nil }()

	dev, err := bledev.Factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting peripheral scan...")

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	err = dev.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("Peripheral scan completed")

	devices := make(map[string]*DeviceInfo, s.devices.Len())
	s.devices.Range(func(key string, value *DeviceInfo) bool {
		devices[key] = value
		return true
	})
	return devices, nil
}

// handleAdvertisement updates an existing entry or inserts a new device.
func (s *Scanner) handleAdvertisement(adv blelib.Advertisement) {
	address := adv.Addr().String()

	dev, existing := s.devices.Get(address)
	if !existing {
		if !s.shouldIncludeDevice(adv, s.scanOptions) {
			return
		}

		services := make([]string, 0, len(adv.Services()))
		for _, u := range adv.Services() {
			services = append(services, u.String())
		}
		dev, existing = s.devices.GetOrInsert(address, &DeviceInfo{
			Address:            address,
			Name:               adv.LocalName(),
			RSSI:               adv.RSSI(),
			Connectable:        adv.Connectable(),
			LastSeen:           time.Now(),
			AdvertisedServices: services,
		})
	}

	if existing {
		dev.update(adv)
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  dev.DisplayName(),
			"address": dev.Address,
			"rssi":    dev.RSSI,
		}).Info("Discovered peripheral")
	}
}

// shouldIncludeDevice applies the allow-list and sync-service filters.
func (s *Scanner) shouldIncludeDevice(adv blelib.Advertisement, opts *ScanOptions) bool {
	if len(opts.AllowList) > 0 {
		addr := adv.Addr().String()
		allowed := false
		for _, a := range opts.AllowList {
			if addr == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if opts.SyncServiceOnly {
		for _, advUUID := range adv.Services() {
			if transport.SyncServiceUUID.Equal(advUUID) {
				return true
			}
		}
		return false
	}
	return true
}
