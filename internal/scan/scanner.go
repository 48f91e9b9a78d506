// Package scan sweeps a /24 subnet for miners and reconciles the results
// into the device registry.
//
// A scan is a bounded fan-out: every host address in the prefix (.1–.254)
// is probed once under a fixed concurrency cap, and each result is merged
// into the registry as it arrives. Scans are idempotent against a stable
// network, and a scan that overlaps a newer probe of the same address
// yields to it (the registry's freshness check discards the stale result).
package scan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hashwatch/hashwatch-core/internal/device"
)

// DefaultConcurrency caps simultaneous in-flight probes per sweep.
const DefaultConcurrency = 50

// hostRange is the probed host octet range of a /24 prefix; .0 and .255
// are the network and broadcast addresses.
const (
	firstHost = 1
	lastHost  = 254
)

// Prober performs one bounded-time device query against an IP.
type Prober interface {
	Probe(ctx context.Context, ip string) (*device.Snapshot, error)
}

// Registry is the slice of the device registry the scanner consumes.
type Registry interface {
	NextProbeSeq() uint64
	ApplyProbeSuccess(ctx context.Context, seq uint64, snap device.Snapshot) (device.Change, error)
	ApplyProbeFailure(ctx context.Context, seq uint64, ip string) (device.Change, error)
	List(ctx context.Context) ([]device.Device, error)
}

// Logger is the minimal logging interface the scanner needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Report summarizes one completed sweep.
type Report struct {
	ScanID      string    `json:"scan_id"`
	Prefix      string    `json:"prefix"`
	Scanned     int       `json:"scanned"`
	Discovered  int       `json:"discovered"`
	Refreshed   int       `json:"refreshed"`
	WentOffline int       `json:"went_offline"`
	Unreachable int       `json:"unreachable"`
	DurationMS  int64     `json:"duration_ms"`
	StartedAt   time.Time `json:"started_at"`
}

// Scanner sweeps subnets and feeds the registry.
type Scanner struct {
	prober      Prober
	registry    Registry
	concurrency int
	logger      Logger

	// running guards against overlapping sweeps; a second Scan or Refresh
	// while one is in flight returns ErrScanInProgress.
	running atomic.Bool

	// inFlightHook, when set, observes the in-flight probe count as each
	// probe starts. Test instrumentation only.
	inFlightHook func(n int64)
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithConcurrency overrides the probe concurrency cap.
func WithConcurrency(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the scanner's logger.
func WithLogger(logger Logger) Option {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Scanner over the given prober and registry.
func New(prober Prober, registry Registry, opts ...Option) *Scanner {
	s := &Scanner{
		prober:      prober,
		registry:    registry,
		concurrency: DefaultConcurrency,
		logger:      noopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetInFlightHook installs a hook observing the number of concurrently
// running probes. For tests.
func (s *Scanner) SetInFlightHook(fn func(n int64)) {
	s.inFlightHook = fn
}

// Scan sweeps every host address of prefix ("192.168.1." form) and merges
// the results into the registry.
//
// Cancelling ctx stops new probes from starting. Probes already in flight
// run to completion; successful results are still merged, while failures
// caused by the cancellation itself are discarded. The returned Report
// covers whatever portion of the sweep ran.
func (s *Scanner) Scan(ctx context.Context, prefix string) (*Report, error) {
	if err := device.ValidateSubnetPrefix(prefix); err != nil {
		return nil, err
	}

	ips := make([]string, 0, lastHost-firstHost+1)
	for host := firstHost; host <= lastHost; host++ {
		ips = append(ips, fmt.Sprintf("%s%d", prefix, host))
	}

	return s.sweep(ctx, prefix, ips)
}

// Refresh re-probes every device already in the registry, regardless of
// subnet, without discovering new addresses.
func (s *Scanner) Refresh(ctx context.Context) (*Report, error) {
	devices, err := s.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices for refresh: %w", err)
	}

	ips := make([]string, 0, len(devices))
	for _, dev := range devices {
		ips = append(ips, dev.IP)
	}

	return s.sweep(ctx, "", ips)
}

// ProbeIP probes a single address immediately and merges the result.
// Unlike Scan and Refresh it does not take the sweep slot, so it can run
// while a sweep is in flight; the registry's sequence freshness check
// resolves any overlap on the same IP.
func (s *Scanner) ProbeIP(ctx context.Context, ip string) (device.Change, error) {
	if err := device.ValidateIP(ip); err != nil {
		return device.ChangeNone, err
	}
	return s.probeOne(ctx, ip), nil
}

func (s *Scanner) sweep(ctx context.Context, prefix string, ips []string) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	defer s.running.Store(false)

	report := &Report{
		ScanID:    uuid.NewString(),
		Prefix:    prefix,
		StartedAt: time.Now().UTC(),
	}

	s.logger.Info("sweep started",
		"scan_id", report.ScanID,
		"prefix", prefix,
		"targets", len(ips),
		"concurrency", s.concurrency)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		sem      = make(chan struct{}, s.concurrency)
		inFlight atomic.Int64
	)

dispatch:
	for _, ip := range ips {
		// ctx.Done and a free semaphore slot race in the select below;
		// check cancellation first so a finishing probe cannot hand the
		// slot to a sweep that should be stopping.
		if ctx.Err() != nil {
			s.logger.Warn("sweep cancelled", "scan_id", report.ScanID)
			break dispatch
		}

		select {
		case <-ctx.Done():
			s.logger.Warn("sweep cancelled", "scan_id", report.ScanID)
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			defer func() { <-sem }()

			if s.inFlightHook != nil {
				s.inFlightHook(inFlight.Add(1))
				defer inFlight.Add(-1)
			}

			change := s.probeOne(ctx, ip)

			mu.Lock()
			report.Scanned++
			switch change {
			case device.ChangeCreated:
				report.Discovered++
			case device.ChangeRefreshed:
				report.Refreshed++
			case device.ChangeWentOffline:
				report.WentOffline++
			case device.ChangeNone:
				report.Unreachable++
			case device.ChangeStale:
				// Discarded: superseded by a later probe, or interrupted
				// by cancellation. Counts as scanned but contributes
				// nothing.
			}
			mu.Unlock()
		}(ip)
	}

	wg.Wait()
	report.DurationMS = time.Since(report.StartedAt).Milliseconds()

	s.logger.Info("sweep completed",
		"scan_id", report.ScanID,
		"scanned", report.Scanned,
		"discovered", report.Discovered,
		"refreshed", report.Refreshed,
		"went_offline", report.WentOffline,
		"unreachable", report.Unreachable,
		"duration_ms", report.DurationMS)

	return report, nil
}

// probeOne runs a single probe and merges its result. The sequence number
// is taken before the probe starts so an overlapping later probe of the
// same IP wins the registry's freshness check.
func (s *Scanner) probeOne(ctx context.Context, ip string) device.Change {
	seq := s.registry.NextProbeSeq()

	snap, err := s.prober.Probe(ctx, ip)
	if err != nil {
		if ctx.Err() != nil {
			// The probe was interrupted by cancellation; the failure is
			// a shutdown artifact, not a device outcome, and merging it
			// would mark reachable devices offline.
			s.logger.Debug("discarding probe interrupted by cancellation", "ip", ip)
			return device.ChangeStale
		}
		change, applyErr := s.registry.ApplyProbeFailure(ctx, seq, ip)
		if applyErr != nil {
			s.logger.Error("merging probe failure", "ip", ip, "error", applyErr)
			return device.ChangeNone
		}
		return change
	}

	change, applyErr := s.registry.ApplyProbeSuccess(ctx, seq, *snap)
	if applyErr != nil {
		s.logger.Error("merging probe result", "ip", ip, "error", applyErr)
		return device.ChangeNone
	}

	s.logger.Debug("probe merged", "ip", ip, "hostname", snap.Hostname, "change", string(change))
	return change
}
