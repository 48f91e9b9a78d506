package device

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// keyStripes is the number of per-IP lock stripes. Mutations to the same
// IP serialize on one stripe; unrelated IPs almost always proceed on
// different stripes.
const keyStripes = 64

// Registry is the single point of truth for device record merge semantics.
// It wraps a Repository with an in-memory write-through cache and enforces:
//
//   - upsert-by-IP, never duplicate records
//   - a failed probe marks a device offline but never erases last-known
//     telemetry or stratum configuration
//   - manual records survive scans regardless of liveness
//   - a slow probe result never overwrites the result of a probe started
//     later for the same IP (sequence freshness check)
//
// All public methods are safe for concurrent use by scanner workers,
// manual-add requests, and dispatcher success callbacks.
type Registry struct {
	repo Repository

	cache   map[string]*Device
	cacheMu sync.RWMutex

	// stripes serialize read-modify-write cycles per IP.
	stripes [keyStripes]sync.Mutex

	// probeSeq is a monotonic counter handed to probes at start time;
	// applied tracks the highest sequence merged per IP.
	probeSeq atomic.Uint64
	applied  map[string]uint64

	onUpdate func(dev *Device, change Change)
	logger   Logger
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching and
// merge semantics.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:    repo,
		cache:   make(map[string]*Device),
		applied: make(map[string]uint64),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetOnUpdate registers a callback invoked after every record mutation.
// The callback receives a private copy of the record. It runs while the
// record's key lock is held, so it must not call mutating registry
// methods synchronously; hand off to a channel or goroutine instead.
func (r *Registry) SetOnUpdate(fn func(dev *Device, change Change)) {
	r.onUpdate = fn
}

// NextProbeSeq allocates a sequence number for a probe about to start.
// Callers must allocate before issuing the network call so that
// completion-order races resolve in favour of the later-started probe.
func (r *Registry) NextProbeSeq() uint64 {
	return r.probeSeq.Add(1)
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.IP] = d.Clone()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// Get retrieves a device by IP.
// Returns ErrDeviceNotFound if no record exists.
// The returned device is a copy; callers can safely modify it.
func (r *Registry) Get(ctx context.Context, ip string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[ip]
	r.cacheMu.RUnlock()

	if ok {
		return cached.Clone(), nil
	}

	// Fall back to the repository (might be a record written by a previous
	// process incarnation that RefreshCache has not seen).
	device, err := r.repo.GetByIP(ctx, ip)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[ip] = device.Clone()
	r.cacheMu.Unlock()

	return device, nil
}

// List retrieves all devices ordered numerically by IP.
// The returned devices are copies; callers can safely modify them.
func (r *Registry) List(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		devices = append(devices, *d.Clone())
	}
	r.cacheMu.RUnlock()

	if len(devices) == 0 {
		// Cold cache: serve from the repository.
		fromRepo, err := r.repo.List(ctx)
		if err != nil {
			return nil, err
		}
		devices = fromRepo
	}

	sort.Slice(devices, func(i, j int) bool {
		return CompareIPs(devices[i].IP, devices[j].IP) < 0
	})
	return devices, nil
}

// ListOnline retrieves all devices currently marked online, ordered by IP.
func (r *Registry) ListOnline(ctx context.Context) ([]Device, error) {
	devices, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	online := devices[:0]
	for _, d := range devices {
		if d.Online {
			online = append(online, d)
		}
	}
	return online, nil
}

// Count returns the number of cached devices.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// ApplyProbeSuccess merges a successful probe snapshot, creating the
// record if the IP is new. seq must come from NextProbeSeq, allocated
// before the probe was issued; stale results are discarded.
func (r *Registry) ApplyProbeSuccess(ctx context.Context, seq uint64, snap Snapshot) (Change, error) {
	if err := ValidateIP(snap.IP); err != nil {
		return ChangeNone, err
	}

	lock := r.keyLock(snap.IP)
	lock.Lock()
	defer lock.Unlock()

	if r.isStale(snap.IP, seq) {
		r.logger.Debug("discarding stale probe result", "ip", snap.IP, "seq", seq)
		return ChangeStale, nil
	}

	existing, err := r.getLocked(ctx, snap.IP)
	if err != nil {
		return ChangeNone, err
	}

	now := time.Now().UTC()
	change := ChangeRefreshed

	var dev *Device
	if existing == nil {
		change = ChangeCreated
		dev = &Device{
			IP:     snap.IP,
			Source: SourceDiscovered,
		}
	} else {
		dev = existing
	}

	dev.Hostname = snap.Hostname
	dev.Type = snap.Type
	dev.Online = true
	dev.LastSeen = &now
	if snap.Hashrate != nil {
		dev.Hashrate = snap.Hashrate
	}
	if snap.Temperature != nil {
		dev.Temperature = snap.Temperature
	}
	if snap.FirmwareVersion != nil {
		dev.FirmwareVersion = snap.FirmwareVersion
	}
	if snap.ASICModel != nil {
		dev.ASICModel = snap.ASICModel
	}
	if snap.StratumPrimary != nil {
		dev.StratumPrimary = snap.StratumPrimary
	}
	if snap.StratumFallback != nil {
		dev.StratumFallback = snap.StratumFallback
	}

	if err := r.storeLocked(ctx, dev, seq); err != nil {
		return ChangeNone, err
	}

	r.logger.Debug("probe result merged", "ip", snap.IP, "change", change, "type", snap.Type)
	r.notify(dev, change)
	return change, nil
}

// ApplyProbeFailure merges a failed probe. An existing record is marked
// offline with its telemetry, stratum fields and last-seen time retained;
// an unknown IP is dropped without creating a placeholder record.
func (r *Registry) ApplyProbeFailure(ctx context.Context, seq uint64, ip string) (Change, error) {
	if err := ValidateIP(ip); err != nil {
		return ChangeNone, err
	}

	lock := r.keyLock(ip)
	lock.Lock()
	defer lock.Unlock()

	if r.isStale(ip, seq) {
		r.logger.Debug("discarding stale probe failure", "ip", ip, "seq", seq)
		return ChangeStale, nil
	}

	existing, err := r.getLocked(ctx, ip)
	if err != nil {
		return ChangeNone, err
	}
	if existing == nil {
		// Never seen this host succeed: nothing to record.
		r.markApplied(ip, seq)
		return ChangeNone, nil
	}

	change := ChangeNone
	if existing.Online {
		change = ChangeWentOffline
	}
	existing.Online = false

	if err := r.storeLocked(ctx, existing, seq); err != nil {
		return ChangeNone, err
	}

	if change == ChangeWentOffline {
		r.logger.Info("device went offline", "ip", ip)
		r.notify(existing, change)
	}
	return change, nil
}

// AddManual registers an operator-supplied IP. The record starts offline
// until its first successful probe. Adding an IP that already exists is a
// no-op returning the current record: upsert-by-IP, never duplicate.
func (r *Registry) AddManual(ctx context.Context, ip string) (*Device, error) {
	if err := ValidateIP(ip); err != nil {
		return nil, err
	}

	lock := r.keyLock(ip)
	lock.Lock()
	defer lock.Unlock()

	existing, err := r.getLocked(ctx, ip)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing.Clone(), nil
	}

	dev := &Device{
		IP:     ip,
		Type:   TypeUnknown,
		Source: SourceManual,
		Online: false,
	}
	if err := r.storeLocked(ctx, dev, 0); err != nil {
		return nil, err
	}

	r.logger.Info("manual device added", "ip", ip)
	r.notify(dev, ChangeCreated)
	return dev.Clone(), nil
}

// ApplyStratum records a successfully pushed stratum pair on a device.
// Called by the dispatcher per device as each push lands, so reads during
// a batch see already-applied devices. Returns ErrDeviceNotFound for an
// unknown IP.
func (r *Registry) ApplyStratum(ctx context.Context, ip string, settings Settings) error {
	lock := r.keyLock(ip)
	lock.Lock()
	defer lock.Unlock()

	existing, err := r.getLocked(ctx, ip)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrDeviceNotFound
	}

	primary := settings.Primary
	fallback := settings.Fallback
	existing.StratumPrimary = &primary
	existing.StratumFallback = &fallback

	if err := r.storeLocked(ctx, existing, 0); err != nil {
		return err
	}

	r.logger.Debug("stratum config recorded", "ip", ip, "pool", primary.URL)
	r.notify(existing, ChangeRefreshed)
	return nil
}

// Stats summarises the registry for monitoring.
type Stats struct {
	Total    int            `json:"total"`
	Online   int            `json:"online"`
	Offline  int            `json:"offline"`
	ByType   map[Type]int   `json:"by_type"`
	BySource map[Source]int `json:"by_source"`
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		Total:    len(r.cache),
		ByType:   make(map[Type]int),
		BySource: make(map[Source]int),
	}

	for _, d := range r.cache {
		if d.Online {
			stats.Online++
		} else {
			stats.Offline++
		}
		stats.ByType[d.Type]++
		stats.BySource[d.Source]++
	}

	return stats
}

// keyLock returns the stripe serializing mutations for the given IP.
func (r *Registry) keyLock(ip string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(ip)) //nolint:errcheck // fnv hash writes never fail
	return &r.stripes[h.Sum32()%keyStripes]
}

// isStale reports whether a probe sequence has been superseded for an IP.
// Sequence 0 means "not a probe" (manual add, stratum update) and is
// never stale. Caller must hold the key lock.
func (r *Registry) isStale(ip string, seq uint64) bool {
	if seq == 0 {
		return false
	}
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return seq <= r.applied[ip]
}

// markApplied records the highest merged probe sequence for an IP.
// Caller must hold the key lock.
func (r *Registry) markApplied(ip string, seq uint64) {
	if seq == 0 {
		return
	}
	r.cacheMu.Lock()
	if seq > r.applied[ip] {
		r.applied[ip] = seq
	}
	r.cacheMu.Unlock()
}

// getLocked fetches the current record for merging, preferring the cache.
// Returns (nil, nil) when the IP is unknown. Caller must hold the key lock.
func (r *Registry) getLocked(ctx context.Context, ip string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[ip]
	r.cacheMu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	dev, err := r.repo.GetByIP(ctx, ip)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return dev, nil
}

// storeLocked persists the record write-through and refreshes the cache.
// Caller must hold the key lock; a failed repository write leaves the
// cache untouched so no half-applied state is visible.
func (r *Registry) storeLocked(ctx context.Context, dev *Device, seq uint64) error {
	if err := r.repo.Upsert(ctx, dev); err != nil {
		return fmt.Errorf("persisting device %s: %w", dev.IP, err)
	}

	r.cacheMu.Lock()
	r.cache[dev.IP] = dev.Clone()
	if seq > r.applied[dev.IP] {
		r.applied[dev.IP] = seq
	}
	r.cacheMu.Unlock()
	return nil
}

// notify invokes the update callback with a private copy, outside locks.
func (r *Registry) notify(dev *Device, change Change) {
	if r.onUpdate == nil {
		return
	}
	r.onUpdate(dev.Clone(), change)
}
