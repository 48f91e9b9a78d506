package scan

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

// fakeProber answers probes from a fixed map of alive hosts. IPs absent
// from the map fail with a connection-refused sentinel.
type fakeProber struct {
	alive map[string]device.Snapshot
	delay time.Duration

	mu     sync.Mutex
	probed []string
}

func (p *fakeProber) Probe(_ context.Context, ip string) (*device.Snapshot, error) {
	p.mu.Lock()
	p.probed = append(p.probed, ip)
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	snap, ok := p.alive[ip]
	if !ok {
		return nil, minerapi.ErrConnectionRefused
	}
	return &snap, nil
}

func (p *fakeProber) probeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.probed)
}

// fakeRegistry records the merge calls the scanner makes. Change values
// are scripted per IP; unscripted IPs report ChangeNone.
type fakeRegistry struct {
	seq     atomic.Uint64
	changes map[string]device.Change
	known   []device.Device
	listErr error

	mu        sync.Mutex
	successes []string
	failures  []string
}

func (r *fakeRegistry) NextProbeSeq() uint64 { return r.seq.Add(1) }

func (r *fakeRegistry) ApplyProbeSuccess(_ context.Context, _ uint64, snap device.Snapshot) (device.Change, error) {
	r.mu.Lock()
	r.successes = append(r.successes, snap.IP)
	r.mu.Unlock()
	if change, ok := r.changes[snap.IP]; ok {
		return change, nil
	}
	return device.ChangeCreated, nil
}

func (r *fakeRegistry) ApplyProbeFailure(_ context.Context, _ uint64, ip string) (device.Change, error) {
	r.mu.Lock()
	r.failures = append(r.failures, ip)
	r.mu.Unlock()
	if change, ok := r.changes[ip]; ok {
		return change, nil
	}
	return device.ChangeNone, nil
}

func (r *fakeRegistry) List(_ context.Context) ([]device.Device, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.known, nil
}

func snapFor(ip, hostname string) device.Snapshot {
	return device.Snapshot{
		IP:       ip,
		Hostname: hostname,
		Type:     device.TypeBitaxe,
	}
}

func TestScanInvalidPrefix(t *testing.T) {
	scanner := New(&fakeProber{}, &fakeRegistry{})

	for _, prefix := range []string{"", "192.168.1", "192.168.1.5", "10.0."} {
		if _, err := scanner.Scan(context.Background(), prefix); !errors.Is(err, device.ErrInvalidSubnetPrefix) {
			t.Errorf("Scan(%q) error = %v, want ErrInvalidSubnetPrefix", prefix, err)
		}
	}
}

func TestScanCountsOutcomes(t *testing.T) {
	prober := &fakeProber{
		alive: map[string]device.Snapshot{
			"192.168.1.10": snapFor("192.168.1.10", "bitaxe-a"),
			"192.168.1.11": snapFor("192.168.1.11", "bitaxe-b"),
			"192.168.1.12": snapFor("192.168.1.12", "bitaxe-c"),
		},
	}
	registry := &fakeRegistry{
		changes: map[string]device.Change{
			"192.168.1.10": device.ChangeCreated,
			"192.168.1.11": device.ChangeRefreshed,
			"192.168.1.12": device.ChangeRefreshed,
			"192.168.1.20": device.ChangeWentOffline,
		},
	}

	scanner := New(prober, registry)
	report, err := scanner.Scan(context.Background(), "192.168.1.")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if report.Scanned != 254 {
		t.Errorf("scanned = %d, want 254", report.Scanned)
	}
	if report.Discovered != 1 {
		t.Errorf("discovered = %d, want 1", report.Discovered)
	}
	if report.Refreshed != 2 {
		t.Errorf("refreshed = %d, want 2", report.Refreshed)
	}
	if report.WentOffline != 1 {
		t.Errorf("went_offline = %d, want 1", report.WentOffline)
	}
	// 254 hosts, 3 reachable, 1 known-gone-offline: the rest never answered.
	if report.Unreachable != 250 {
		t.Errorf("unreachable = %d, want 250", report.Unreachable)
	}
	if report.Prefix != "192.168.1." {
		t.Errorf("prefix = %q", report.Prefix)
	}
	if report.ScanID == "" {
		t.Error("scan_id should be set")
	}
}

func TestScanProbesFullHostRange(t *testing.T) {
	prober := &fakeProber{}
	scanner := New(prober, &fakeRegistry{})

	if _, err := scanner.Scan(context.Background(), "10.0.0."); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if got := prober.probeCount(); got != 254 {
		t.Fatalf("probed %d hosts, want 254", got)
	}

	seen := make(map[string]bool, len(prober.probed))
	for _, ip := range prober.probed {
		seen[ip] = true
	}
	for _, ip := range []string{"10.0.0.1", "10.0.0.254"} {
		if !seen[ip] {
			t.Errorf("host %s was never probed", ip)
		}
	}
	for _, ip := range []string{"10.0.0.0", "10.0.0.255"} {
		if seen[ip] {
			t.Errorf("host %s should not be probed", ip)
		}
	}
}

func TestScanRespectsConcurrencyCap(t *testing.T) {
	const limit = 5

	prober := &fakeProber{delay: 5 * time.Millisecond}
	scanner := New(prober, &fakeRegistry{}, WithConcurrency(limit))

	var peak int64
	var mu sync.Mutex
	scanner.SetInFlightHook(func(n int64) {
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
	})

	if _, err := scanner.Scan(context.Background(), "10.0.0."); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > limit {
		t.Errorf("peak in-flight probes = %d, want <= %d", peak, limit)
	}
	if peak == 0 {
		t.Error("in-flight hook never observed a probe")
	}
}

func TestScanRejectsOverlap(t *testing.T) {
	release := make(chan struct{})
	prober := &blockingProber{release: release, started: make(chan struct{})}
	scanner := New(prober, &fakeRegistry{}, WithConcurrency(4))

	done := make(chan error, 1)
	go func() {
		_, err := scanner.Scan(context.Background(), "10.0.0.")
		done <- err
	}()

	// Wait for the first sweep to be in flight before starting the second.
	<-prober.started

	if _, err := scanner.Scan(context.Background(), "10.0.0."); !errors.Is(err, ErrScanInProgress) {
		t.Errorf("overlapping Scan() error = %v, want ErrScanInProgress", err)
	}
	if _, err := scanner.Refresh(context.Background()); !errors.Is(err, ErrScanInProgress) {
		t.Errorf("overlapping Refresh() error = %v, want ErrScanInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Scan() error = %v", err)
	}

	// With the sweep finished the scanner accepts work again.
	if _, err := scanner.Refresh(context.Background()); err != nil {
		t.Errorf("Refresh() after sweep finished error = %v", err)
	}
}

// blockingProber blocks every probe until release is closed and signals
// the first probe's arrival on started.
type blockingProber struct {
	release   chan struct{}
	startOnce sync.Once
	started   chan struct{}
}

func (p *blockingProber) Probe(_ context.Context, _ string) (*device.Snapshot, error) {
	p.startOnce.Do(func() {
		if p.started != nil {
			close(p.started)
		}
	})
	<-p.release
	return nil, minerapi.ErrConnectionRefused
}

func TestScanCancelStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var probes atomic.Int64
	prober := proberFunc(func(context.Context, string) (*device.Snapshot, error) {
		if probes.Add(1) == 3 {
			cancel()
		}
		time.Sleep(time.Millisecond)
		return nil, minerapi.ErrConnectionRefused
	})

	scanner := New(prober, &fakeRegistry{}, WithConcurrency(1))
	report, err := scanner.Scan(ctx, "10.0.0.")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if report.Scanned >= 254 {
		t.Errorf("scanned = %d, cancellation should have cut the sweep short", report.Scanned)
	}
	if report.Scanned == 0 {
		t.Error("probes completed before the cancel should still be counted")
	}
}

type proberFunc func(ctx context.Context, ip string) (*device.Snapshot, error)

func (f proberFunc) Probe(ctx context.Context, ip string) (*device.Snapshot, error) {
	return f(ctx, ip)
}

func TestScanCancelledProbeNotMerged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := &fakeRegistry{}
	var probes atomic.Int64
	prober := proberFunc(func(context.Context, string) (*device.Snapshot, error) {
		probes.Add(1)
		cancel()
		// Hold the semaphore slot long enough for the dispatch loop to
		// see the cancellation before the slot frees up again.
		time.Sleep(20 * time.Millisecond)
		return nil, minerapi.ErrTimeout
	})

	scanner := New(prober, registry, WithConcurrency(1))
	report, err := scanner.Scan(ctx, "10.0.0.")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	registry.mu.Lock()
	failures := len(registry.failures)
	registry.mu.Unlock()
	if failures != 0 {
		t.Errorf("cancelled probe merged %d failures, want 0", failures)
	}
	if report.WentOffline != 0 || report.Unreachable != 0 {
		t.Errorf("report = %+v, a cancelled probe must not record a device outcome", report)
	}
	if got := probes.Load(); got != 1 {
		t.Errorf("probes dispatched after cancellation: got %d total, want 1", got)
	}
}

func TestReportDurationInMilliseconds(t *testing.T) {
	prober := &fakeProber{delay: 2 * time.Millisecond}
	scanner := New(prober, &fakeRegistry{})

	report, err := scanner.Scan(context.Background(), "10.0.0.")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshalling report: %v", err)
	}

	var decoded struct {
		DurationMS int64 `json:"duration_ms"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshalling report: %v", err)
	}
	if decoded.DurationMS != report.DurationMS {
		t.Errorf("duration_ms = %d, want %d", decoded.DurationMS, report.DurationMS)
	}
	// A /24 sweep of instant fakes takes well under a minute; a value in
	// the billions means nanoseconds leaked onto the wire.
	if decoded.DurationMS > 60_000 {
		t.Errorf("duration_ms = %d, not a millisecond value", decoded.DurationMS)
	}
}

// memRepo is a minimal in-memory device.Repository, letting sweep tests
// run against the real registry merge path.
type memRepo struct {
	mu      sync.Mutex
	devices map[string]*device.Device
}

func newMemRepo() *memRepo {
	return &memRepo{devices: make(map[string]*device.Device)}
}

func (r *memRepo) GetByIP(_ context.Context, ip string) (*device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[ip]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return dev.Clone(), nil
}

func (r *memRepo) List(context.Context) ([]device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]device.Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev.Clone())
	}
	return out, nil
}

func (r *memRepo) Upsert(_ context.Context, dev *device.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[dev.IP] = dev.Clone()
	return nil
}

func TestScanTwiceIsIdempotent(t *testing.T) {
	prober := &fakeProber{
		alive: map[string]device.Snapshot{
			"10.0.0.10": snapFor("10.0.0.10", "bitaxe-a"),
			"10.0.0.20": snapFor("10.0.0.20", "bitaxe-b"),
		},
	}
	registry := device.NewRegistry(newMemRepo())
	scanner := New(prober, registry)

	first, err := scanner.Scan(context.Background(), "10.0.0.")
	if err != nil {
		t.Fatalf("first Scan() error = %v", err)
	}
	if first.Discovered != 2 || first.Refreshed != 0 {
		t.Fatalf("first sweep = %+v, want 2 discovered", first)
	}

	before, err := registry.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	second, err := scanner.Scan(context.Background(), "10.0.0.")
	if err != nil {
		t.Fatalf("second Scan() error = %v", err)
	}
	if second.Discovered != 0 || second.Refreshed != 2 || second.WentOffline != 0 {
		t.Errorf("second sweep = %+v, want 0 discovered / 2 refreshed / 0 went_offline", second)
	}

	after, err := registry.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("device count changed between identical sweeps: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if after[i].IP != before[i].IP ||
			after[i].Hostname != before[i].Hostname ||
			after[i].Online != before[i].Online ||
			after[i].Source != before[i].Source {
			t.Errorf("record changed between identical sweeps:\n  before: %+v\n  after:  %+v", before[i], after[i])
		}
	}
}

func TestRefreshProbesOnlyKnownDevices(t *testing.T) {
	prober := &fakeProber{
		alive: map[string]device.Snapshot{
			"192.168.1.10": snapFor("192.168.1.10", "bitaxe-a"),
		},
	}
	registry := &fakeRegistry{
		known: []device.Device{
			{IP: "192.168.1.10"},
			{IP: "192.168.2.77"},
		},
		changes: map[string]device.Change{
			"192.168.1.10": device.ChangeRefreshed,
			"192.168.2.77": device.ChangeWentOffline,
		},
	}

	scanner := New(prober, registry)
	report, err := scanner.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if got := prober.probeCount(); got != 2 {
		t.Errorf("probed %d hosts, want 2", got)
	}
	if report.Scanned != 2 || report.Refreshed != 1 || report.WentOffline != 1 {
		t.Errorf("report = %+v, want scanned=2 refreshed=1 went_offline=1", report)
	}
	if report.Prefix != "" {
		t.Errorf("refresh report prefix = %q, want empty", report.Prefix)
	}
}

func TestRefreshListError(t *testing.T) {
	registry := &fakeRegistry{listErr: fmt.Errorf("database locked")}
	scanner := New(&fakeProber{}, registry)

	if _, err := scanner.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() should surface the registry list error")
	}
}

func TestProbeIP(t *testing.T) {
	prober := &fakeProber{
		alive: map[string]device.Snapshot{
			"192.168.1.10": snapFor("192.168.1.10", "bitaxe-a"),
		},
	}
	registry := &fakeRegistry{}
	scanner := New(prober, registry)

	change, err := scanner.ProbeIP(context.Background(), "192.168.1.10")
	if err != nil {
		t.Fatalf("ProbeIP() error = %v", err)
	}
	if change != device.ChangeCreated {
		t.Errorf("change = %q, want %q", change, device.ChangeCreated)
	}

	registry.mu.Lock()
	merged := len(registry.successes)
	registry.mu.Unlock()
	if merged != 1 {
		t.Errorf("successful probe merged %d times, want 1", merged)
	}

	if _, err := scanner.ProbeIP(context.Background(), "not-an-ip"); !errors.Is(err, device.ErrInvalidIP) {
		t.Errorf("ProbeIP(invalid) error = %v, want ErrInvalidIP", err)
	}
}

func TestScanAllocatesSeqBeforeProbe(t *testing.T) {
	registry := &fakeRegistry{}

	// The prober observes the registry's sequence counter: by probe time
	// the scanner must already have claimed a number for this probe.
	prober := proberFunc(func(_ context.Context, _ string) (*device.Snapshot, error) {
		if registry.seq.Load() == 0 {
			t.Error("probe ran before a sequence number was allocated")
		}
		return nil, minerapi.ErrConnectionRefused
	})

	scanner := New(prober, registry, WithConcurrency(1))
	if _, err := scanner.Scan(context.Background(), "10.0.0."); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.failures) != 254 {
		t.Errorf("failure merges = %d, want 254", len(registry.failures))
	}
}
