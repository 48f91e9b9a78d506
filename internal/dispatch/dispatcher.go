// Package dispatch pushes stratum configuration to fleets of miners.
//
// A batch targets either an explicit IP list or every online device in
// the registry. Each device is an independent outcome: one rejection or
// timeout never aborts the rest of the batch, and a device that accepts
// the push has its registry record updated immediately rather than
// waiting for the next sweep.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hashwatch/hashwatch-core/internal/device"
	"github.com/hashwatch/hashwatch-core/internal/minerapi"
)

// DefaultConcurrency caps simultaneous in-flight config pushes.
const DefaultConcurrency = 10

// Pusher applies a stratum settings pair to one device.
type Pusher interface {
	PushConfig(ctx context.Context, ip string, settings device.Settings) error
}

// Registry is the slice of the device registry the dispatcher consumes.
type Registry interface {
	Get(ctx context.Context, ip string) (*device.Device, error)
	ListOnline(ctx context.Context) ([]device.Device, error)
	ApplyStratum(ctx context.Context, ip string, settings device.Settings) error
}

// Logger is the minimal logging interface the dispatcher needs.
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

// Status classifies a per-device push outcome.
type Status string

// Status constants.
const (
	StatusSuccess           Status = "success"
	StatusTimeout           Status = "timeout"
	StatusConnectionRefused Status = "connection_refused"
	StatusRejected          Status = "rejected"
	StatusBadResponse       Status = "bad_response"

	// StatusSkippedOffline means the device is known but offline; no push
	// was attempted.
	StatusSkippedOffline Status = "skipped_offline"

	// StatusUnknownDevice means the target IP is not in the registry.
	StatusUnknownDevice Status = "unknown_device"

	// StatusAborted means the batch was cancelled while this device's push
	// was in flight; whether the device applied the settings is unknown,
	// so nothing was recorded.
	StatusAborted Status = "aborted"
)

// Outcome is one device's result within a batch.
type Outcome struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// BatchResult summarizes one completed config push batch.
type BatchResult struct {
	BatchID    string             `json:"batch_id"`
	Targets    int                `json:"targets"`
	Succeeded  int                `json:"succeeded"`
	Failed     int                `json:"failed"`
	Skipped    int                `json:"skipped"`
	Outcomes   map[string]Outcome `json:"outcomes"`
	DurationMS int64              `json:"duration_ms"`
	StartedAt  time.Time          `json:"started_at"`
}

// Dispatcher fans config pushes out across a fleet.
type Dispatcher struct {
	pusher      Pusher
	registry    Registry
	concurrency int
	logger      Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency overrides the push concurrency cap.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(logger Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a Dispatcher over the given pusher and registry.
func New(pusher Pusher, registry Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pusher:      pusher,
		registry:    registry,
		concurrency: DefaultConcurrency,
		logger:      noopLogger{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Apply pushes settings to targets and returns the per-device outcomes.
//
// A nil or empty target list means every device currently online in the
// registry. Settings are validated once up front; per-device failures
// land in the outcome map, never in the returned error. Cancelling ctx
// stops new pushes from starting; a push interrupted mid-flight reports
// aborted rather than a fabricated device failure.
func (d *Dispatcher) Apply(ctx context.Context, settings device.Settings, targets []string) (*BatchResult, error) {
	if err := device.ValidateSettings(settings); err != nil {
		return nil, err
	}

	if len(targets) == 0 {
		online, err := d.registry.ListOnline(ctx)
		if err != nil {
			return nil, err
		}
		targets = make([]string, 0, len(online))
		for _, dev := range online {
			targets = append(targets, dev.IP)
		}
	} else {
		for _, ip := range targets {
			if err := device.ValidateIP(ip); err != nil {
				return nil, err
			}
		}
	}

	result := &BatchResult{
		BatchID:   uuid.NewString(),
		Targets:   len(targets),
		Outcomes:  make(map[string]Outcome, len(targets)),
		StartedAt: time.Now().UTC(),
	}

	d.logger.Info("batch started",
		"batch_id", result.BatchID,
		"targets", len(targets),
		"concurrency", d.concurrency)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, d.concurrency)
	)

dispatch:
	for _, ip := range targets {
		// ctx.Done and a free semaphore slot race in the select below;
		// check cancellation first so a finishing push cannot hand the
		// slot to a batch that should be stopping.
		if ctx.Err() != nil {
			d.logger.Warn("batch cancelled", "batch_id", result.BatchID)
			break dispatch
		}

		select {
		case <-ctx.Done():
			d.logger.Warn("batch cancelled", "batch_id", result.BatchID)
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := d.pushOne(ctx, ip, settings)

			mu.Lock()
			result.Outcomes[ip] = outcome
			switch outcome.Status {
			case StatusSuccess:
				result.Succeeded++
			case StatusSkippedOffline, StatusAborted:
				result.Skipped++
			default:
				result.Failed++
			}
			mu.Unlock()
		}(ip)
	}

	wg.Wait()
	result.DurationMS = time.Since(result.StartedAt).Milliseconds()

	d.logger.Info("batch completed",
		"batch_id", result.BatchID,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"duration_ms", result.DurationMS)

	return result, nil
}

// pushOne handles one target: registry lookup, the push itself, and the
// write-back on success.
func (d *Dispatcher) pushOne(ctx context.Context, ip string, settings device.Settings) Outcome {
	dev, err := d.registry.Get(ctx, ip)
	if err != nil {
		d.logger.Error("looking up push target", "ip", ip, "error", err)
		return Outcome{Status: StatusUnknownDevice, Detail: err.Error()}
	}
	if dev == nil {
		return Outcome{Status: StatusUnknownDevice}
	}
	if !dev.Online {
		return Outcome{Status: StatusSkippedOffline}
	}

	if err := d.pusher.PushConfig(ctx, ip, settings); err != nil {
		if ctx.Err() != nil {
			// The push was interrupted by cancellation; the error says
			// nothing about the device, so don't classify it as one.
			d.logger.Debug("push interrupted by cancellation", "ip", ip)
			return Outcome{Status: StatusAborted}
		}
		status := classifyPushError(err)
		d.logger.Warn("config push failed", "ip", ip, "status", string(status), "error", err)
		return Outcome{Status: status, Detail: err.Error()}
	}

	// Reflect the accepted settings immediately; the next probe would
	// confirm them anyway, but the registry should not serve stale
	// stratum fields in the meantime.
	if err := d.registry.ApplyStratum(ctx, ip, settings); err != nil {
		d.logger.Error("recording accepted settings", "ip", ip, "error", err)
	}

	d.logger.Debug("config push accepted", "ip", ip)
	return Outcome{Status: StatusSuccess}
}

func classifyPushError(err error) Status {
	switch {
	case errors.Is(err, minerapi.ErrConfigRejected):
		return StatusRejected
	case errors.Is(err, minerapi.ErrConnectionRefused):
		return StatusConnectionRefused
	case errors.Is(err, minerapi.ErrBadResponse):
		return StatusBadResponse
	default:
		return StatusTimeout
	}
}
