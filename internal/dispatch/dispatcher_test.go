package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashwatch/hashwatch-core/internal/device"
	"github.com/hashwatch/hashwatch-core/internal/minerapi"
)

// fakePusher scripts a per-IP push error; IPs without an entry succeed.
type fakePusher struct {
	errs map[string]error

	mu     sync.Mutex
	pushed []string
}

func (p *fakePusher) PushConfig(_ context.Context, ip string, _ device.Settings) error {
	p.mu.Lock()
	p.pushed = append(p.pushed, ip)
	p.mu.Unlock()
	return p.errs[ip]
}

func (p *fakePusher) pushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushed)
}

// fakeRegistry serves a fixed device set and records stratum write-backs.
type fakeRegistry struct {
	devices   map[string]device.Device
	stratumMu sync.Mutex
	stratum   map[string]device.Settings
}

func newFakeRegistry(devices ...device.Device) *fakeRegistry {
	r := &fakeRegistry{
		devices: make(map[string]device.Device, len(devices)),
		stratum: make(map[string]device.Settings),
	}
	for _, dev := range devices {
		r.devices[dev.IP] = dev
	}
	return r
}

func (r *fakeRegistry) Get(_ context.Context, ip string) (*device.Device, error) {
	dev, ok := r.devices[ip]
	if !ok {
		return nil, nil
	}
	clone := dev
	return &clone, nil
}

func (r *fakeRegistry) ListOnline(_ context.Context) ([]device.Device, error) {
	var online []device.Device
	for _, dev := range r.devices {
		if dev.Online {
			online = append(online, dev)
		}
	}
	return online, nil
}

func (r *fakeRegistry) ApplyStratum(_ context.Context, ip string, settings device.Settings) error {
	r.stratumMu.Lock()
	defer r.stratumMu.Unlock()
	r.stratum[ip] = settings
	return nil
}

func (r *fakeRegistry) appliedTo(ip string) bool {
	r.stratumMu.Lock()
	defer r.stratumMu.Unlock()
	_, ok := r.stratum[ip]
	return ok
}

func validSettings() device.Settings {
	return device.Settings{
		Primary:  device.Stratum{URL: "stratum.example.com", Port: 3333, User: "bc1qworker"},
		Fallback: device.Stratum{URL: "backup.example.com", Port: 3333, User: "bc1qworker"},
	}
}

func onlineDevice(ip string) device.Device {
	return device.Device{IP: ip, Online: true, Type: device.TypeBitaxe}
}

func TestApplyInvalidSettings(t *testing.T) {
	d := New(&fakePusher{}, newFakeRegistry())

	_, err := d.Apply(context.Background(), device.Settings{}, nil)
	if !errors.Is(err, device.ErrInvalidStratum) {
		t.Fatalf("Apply() error = %v, want ErrInvalidStratum", err)
	}
}

func TestApplyInvalidTargetIP(t *testing.T) {
	d := New(&fakePusher{}, newFakeRegistry())

	_, err := d.Apply(context.Background(), validSettings(), []string{"192.168.1.10", "not-an-ip"})
	if !errors.Is(err, device.ErrInvalidIP) {
		t.Fatalf("Apply() error = %v, want ErrInvalidIP", err)
	}
}

func TestApplyPartialFailureIsolated(t *testing.T) {
	registry := newFakeRegistry(
		onlineDevice("192.168.1.10"),
		onlineDevice("192.168.1.11"),
		onlineDevice("192.168.1.12"),
		onlineDevice("192.168.1.13"),
		onlineDevice("192.168.1.14"),
	)
	pusher := &fakePusher{errs: map[string]error{
		"192.168.1.12": minerapi.ErrTimeout,
	}}

	d := New(pusher, registry)
	result, err := d.Apply(context.Background(), validSettings(), []string{
		"192.168.1.10", "192.168.1.11", "192.168.1.12", "192.168.1.13", "192.168.1.14",
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if result.Succeeded != 4 || result.Failed != 1 || result.Skipped != 0 {
		t.Errorf("result = succeeded=%d failed=%d skipped=%d, want 4/1/0",
			result.Succeeded, result.Failed, result.Skipped)
	}
	if got := result.Outcomes["192.168.1.12"].Status; got != StatusTimeout {
		t.Errorf("outcome for failed device = %q, want %q", got, StatusTimeout)
	}
	if got := result.Outcomes["192.168.1.13"].Status; got != StatusSuccess {
		t.Errorf("outcome for healthy device = %q, want %q", got, StatusSuccess)
	}
	if result.BatchID == "" {
		t.Error("batch_id should be set")
	}
}

func TestApplyOutcomeClassification(t *testing.T) {
	registry := newFakeRegistry(
		onlineDevice("192.168.1.10"),
		onlineDevice("192.168.1.11"),
		onlineDevice("192.168.1.12"),
		onlineDevice("192.168.1.13"),
		device.Device{IP: "192.168.1.14", Online: false},
	)
	pusher := &fakePusher{errs: map[string]error{
		"192.168.1.10": minerapi.ErrTimeout,
		"192.168.1.11": minerapi.ErrConnectionRefused,
		"192.168.1.12": minerapi.ErrConfigRejected,
		"192.168.1.13": minerapi.ErrBadResponse,
	}}

	d := New(pusher, registry)
	result, err := d.Apply(context.Background(), validSettings(), []string{
		"192.168.1.10", "192.168.1.11", "192.168.1.12", "192.168.1.13",
		"192.168.1.14", "192.168.1.99",
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := map[string]Status{
		"192.168.1.10": StatusTimeout,
		"192.168.1.11": StatusConnectionRefused,
		"192.168.1.12": StatusRejected,
		"192.168.1.13": StatusBadResponse,
		"192.168.1.14": StatusSkippedOffline,
		"192.168.1.99": StatusUnknownDevice,
	}
	for ip, status := range want {
		if got := result.Outcomes[ip].Status; got != status {
			t.Errorf("outcome[%s] = %q, want %q", ip, got, status)
		}
	}
	if result.Failed != 5 || result.Skipped != 1 || result.Succeeded != 0 {
		t.Errorf("result = succeeded=%d failed=%d skipped=%d, want 0/5/1",
			result.Succeeded, result.Failed, result.Skipped)
	}
}

func TestApplySkipsOfflineWithoutPushing(t *testing.T) {
	registry := newFakeRegistry(device.Device{IP: "192.168.1.14", Online: false})
	pusher := &fakePusher{}

	d := New(pusher, registry)
	result, err := d.Apply(context.Background(), validSettings(), []string{"192.168.1.14"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if pusher.pushCount() != 0 {
		t.Errorf("offline device was pushed to %d times, want 0", pusher.pushCount())
	}
	if result.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", result.Skipped)
	}
}

func TestApplyEmptyTargetsMeansAllOnline(t *testing.T) {
	registry := newFakeRegistry(
		onlineDevice("192.168.1.10"),
		onlineDevice("192.168.1.11"),
		device.Device{IP: "192.168.1.12", Online: false},
	)
	pusher := &fakePusher{}

	d := New(pusher, registry)
	result, err := d.Apply(context.Background(), validSettings(), nil)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if result.Targets != 2 {
		t.Errorf("targets = %d, want 2 (online devices only)", result.Targets)
	}
	if result.Succeeded != 2 {
		t.Errorf("succeeded = %d, want 2", result.Succeeded)
	}
	if _, ok := result.Outcomes["192.168.1.12"]; ok {
		t.Error("offline device should not appear in an all-online batch")
	}
}

func TestApplyWritesBackAcceptedSettings(t *testing.T) {
	registry := newFakeRegistry(
		onlineDevice("192.168.1.10"),
		onlineDevice("192.168.1.11"),
	)
	pusher := &fakePusher{errs: map[string]error{
		"192.168.1.11": minerapi.ErrConfigRejected,
	}}

	d := New(pusher, registry)
	if _, err := d.Apply(context.Background(), validSettings(), nil); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !registry.appliedTo("192.168.1.10") {
		t.Error("accepted settings were not written back to the registry")
	}
	if registry.appliedTo("192.168.1.11") {
		t.Error("rejected settings must not be written back")
	}
}

type pusherFunc func(ctx context.Context, ip string, settings device.Settings) error

func (f pusherFunc) PushConfig(ctx context.Context, ip string, settings device.Settings) error {
	return f(ctx, ip, settings)
}

func TestApplyCancelledPushAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := newFakeRegistry(onlineDevice("192.168.1.10"))
	pusher := pusherFunc(func(context.Context, string, device.Settings) error {
		cancel()
		return minerapi.ErrTimeout
	})

	d := New(pusher, registry)
	result, err := d.Apply(ctx, validSettings(), []string{"192.168.1.10"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	outcome := result.Outcomes["192.168.1.10"]
	if outcome.Status != StatusAborted {
		t.Errorf("status = %q, want %q", outcome.Status, StatusAborted)
	}
	if result.Failed != 0 || result.Skipped != 1 {
		t.Errorf("result = failed=%d skipped=%d, want 0/1", result.Failed, result.Skipped)
	}
	if registry.appliedTo("192.168.1.10") {
		t.Error("an interrupted push must not write settings back")
	}
}

func TestApplyCancelStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	devices := make([]device.Device, 0, 8)
	targets := make([]string, 0, 8)
	for i := 10; i < 18; i++ {
		ip := fmt.Sprintf("192.168.1.%d", i)
		devices = append(devices, onlineDevice(ip))
		targets = append(targets, ip)
	}
	registry := newFakeRegistry(devices...)

	var pushes atomic.Int64
	pusher := pusherFunc(func(context.Context, string, device.Settings) error {
		pushes.Add(1)
		cancel()
		// Hold the semaphore slot long enough for the dispatch loop to
		// see the cancellation before the slot frees up again.
		time.Sleep(20 * time.Millisecond)
		return minerapi.ErrTimeout
	})

	d := New(pusher, registry, WithConcurrency(1))
	if _, err := d.Apply(ctx, validSettings(), targets); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pushes.Load(); got != 1 {
		t.Errorf("pushes dispatched after cancellation: got %d total, want 1", got)
	}
}

func TestBatchDurationInMilliseconds(t *testing.T) {
	registry := newFakeRegistry(onlineDevice("192.168.1.10"))
	d := New(&fakePusher{}, registry)

	result, err := d.Apply(context.Background(), validSettings(), nil)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshalling result: %v", err)
	}

	var decoded struct {
		DurationMS int64 `json:"duration_ms"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshalling result: %v", err)
	}
	if decoded.DurationMS != result.DurationMS {
		t.Errorf("duration_ms = %d, want %d", decoded.DurationMS, result.DurationMS)
	}
	// A one-device batch against an instant fake finishes well inside a
	// minute; a value in the billions means nanoseconds leaked onto the wire.
	if decoded.DurationMS > 60_000 {
		t.Errorf("duration_ms = %d, not a millisecond value", decoded.DurationMS)
	}
}

func TestApplyRejectedDetailPreserved(t *testing.T) {
	registry := newFakeRegistry(onlineDevice("192.168.1.10"))
	pushErr := minerapi.ErrConfigRejected
	pusher := &fakePusher{errs: map[string]error{"192.168.1.10": pushErr}}

	d := New(pusher, registry)
	result, err := d.Apply(context.Background(), validSettings(), nil)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	outcome := result.Outcomes["192.168.1.10"]
	if outcome.Status != StatusRejected {
		t.Errorf("status = %q, want %q", outcome.Status, StatusRejected)
	}
	if outcome.Detail == "" {
		t.Error("rejection detail should be carried into the outcome")
	}
}
