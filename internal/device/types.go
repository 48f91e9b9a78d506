package device

import "time"

// Device is the identity and last-known state of one miner on the local
// network. The IPv4 address is the primary key and never changes once a
// record is created.
type Device struct {
	// Identity
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`

	// Classification
	Type   Type   `json:"type"`
	Source Source `json:"source"`

	// Liveness
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`

	// Last successful telemetry. These are deliberately pointers: a device
	// that has never reported a value is distinguishable from one reporting
	// zero, and a failed probe never resets them.
	Hashrate    *float64 `json:"hashrate,omitempty"`    // GH/s
	Temperature *float64 `json:"temperature,omitempty"` // degrees C

	// Firmware metadata from the device status payload.
	FirmwareVersion *string `json:"firmware_version,omitempty"`
	ASICModel       *string `json:"asic_model,omitempty"`

	// Last-known applied pool configuration, refreshed from probe responses
	// and from successful config pushes.
	StratumPrimary  *Stratum `json:"stratum_primary,omitempty"`
	StratumFallback *Stratum `json:"stratum_fallback,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone creates an independent copy of the Device. Pointer fields are
// re-allocated so modifications to the copy do not affect the original.
// This is essential for cache isolation in the Registry.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}

	cpy := *d // value fields

	cpy.LastSeen = cloneTime(d.LastSeen)
	cpy.Hashrate = cloneFloat(d.Hashrate)
	cpy.Temperature = cloneFloat(d.Temperature)
	cpy.FirmwareVersion = cloneString(d.FirmwareVersion)
	cpy.ASICModel = cloneString(d.ASICModel)
	cpy.StratumPrimary = d.StratumPrimary.clone()
	cpy.StratumFallback = d.StratumFallback.clone()

	return &cpy
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Stratum is one mining-pool connection target.
type Stratum struct {
	URL  string `json:"url"`
	Port int    `json:"port"`
	User string `json:"user"`
}

func (s *Stratum) clone() *Stratum {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Settings is the {primary, fallback} stratum pair pushed to devices.
// A device either accepts the whole pair or the push fails for that
// device; the two targets are never split into separate outcomes.
type Settings struct {
	Primary  Stratum `json:"primary"`
	Fallback Stratum `json:"fallback"`
}

// Snapshot is the telemetry extracted from one successful probe of a
// device's native API. It is the unit merged into the Registry.
type Snapshot struct {
	IP              string
	Hostname        string
	Type            Type
	Hashrate        *float64
	Temperature     *float64
	FirmwareVersion *string
	ASICModel       *string
	StratumPrimary  *Stratum
	StratumFallback *Stratum
}

// Type classifies a device by the API shape it responded with.
type Type string

// Type constants.
const (
	TypeBitaxe    Type = "bitaxe"
	TypeNerdminer Type = "nerdminer"
	TypeUnknown   Type = "unknown"
)

// AllTypes returns all valid device type values.
func AllTypes() []Type {
	return []Type{TypeBitaxe, TypeNerdminer, TypeUnknown}
}

// Source records how a device entered the registry.
type Source string

// Source constants.
const (
	// SourceDiscovered marks records created by a subnet scan.
	SourceDiscovered Source = "discovered"

	// SourceManual marks records added explicitly by the operator.
	// Manual records survive scans that fail to find them.
	SourceManual Source = "manual"
)

// AllSources returns all valid source values.
func AllSources() []Source {
	return []Source{SourceDiscovered, SourceManual}
}

// Change describes what a merge operation did to the registry.
type Change string

// Change constants.
const (
	// ChangeCreated means a new record was inserted.
	ChangeCreated Change = "created"

	// ChangeRefreshed means an existing record was updated from a
	// successful probe.
	ChangeRefreshed Change = "refreshed"

	// ChangeWentOffline means an existing online record was marked offline.
	ChangeWentOffline Change = "went_offline"

	// ChangeNone means the merge had no visible effect (failed probe of an
	// unknown or already-offline address).
	ChangeNone Change = "none"

	// ChangeStale means the result lost the freshness check against a probe
	// started later for the same IP and was discarded.
	ChangeStale Change = "stale"
)
