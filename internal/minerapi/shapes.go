package minerapi

import "github.com/hashwatch/hashwatch-core/internal/device"

// bitaxeSystemInfo is the AxeOS status payload from GET /api/system/info.
// Only the fields Hashwatch consumes are mapped; the device reports many
// more (voltage, frequency, shares) that the dashboard does not track.
type bitaxeSystemInfo struct {
	Hostname            string   `json:"hostname"`
	HashRate            *float64 `json:"hashRate"`
	Temp                *float64 `json:"temp"`
	Version             string   `json:"version"`
	ASICModel           string   `json:"ASICModel"`
	StratumURL          string   `json:"stratumURL"`
	StratumPort         int      `json:"stratumPort"`
	StratumUser         string   `json:"stratumUser"`
	FallbackStratumURL  string   `json:"fallbackStratumURL"`
	FallbackStratumPort int      `json:"fallbackStratumPort"`
	FallbackStratumUser string   `json:"fallbackStratumUser"`
}

// snapshot converts the payload into a registry snapshot, or reports false
// when the identity marker is missing.
func (p *bitaxeSystemInfo) snapshot(ip string) (*device.Snapshot, bool) {
	if p.Hostname == "" {
		return nil, false
	}

	snap := &device.Snapshot{
		IP:          ip,
		Hostname:    p.Hostname,
		Type:        device.TypeBitaxe,
		Hashrate:    p.HashRate,
		Temperature: p.Temp,
	}
	if p.Version != "" {
		snap.FirmwareVersion = &p.Version
	}
	if p.ASICModel != "" {
		snap.ASICModel = &p.ASICModel
	}
	if p.StratumURL != "" {
		snap.StratumPrimary = &device.Stratum{
			URL:  p.StratumURL,
			Port: p.StratumPort,
			User: p.StratumUser,
		}
	}
	if p.FallbackStratumURL != "" {
		snap.StratumFallback = &device.Stratum{
			URL:  p.FallbackStratumURL,
			Port: p.FallbackStratumPort,
			User: p.FallbackStratumUser,
		}
	}
	return snap, true
}

// nerdminerStatus is the status payload from GET /api/status on
// NerdMiner-class firmware. A much smaller surface than AxeOS.
type nerdminerStatus struct {
	Hostname    string   `json:"hostname"`
	HashRate    *float64 `json:"hashRate"`
	Temperature *float64 `json:"temperature"`
	PoolURL     string   `json:"poolUrl"`
	PoolPort    int      `json:"poolPort"`
	PoolUser    string   `json:"poolUser"`
}

func (p *nerdminerStatus) snapshot(ip string) (*device.Snapshot, bool) {
	if p.Hostname == "" {
		return nil, false
	}

	snap := &device.Snapshot{
		IP:          ip,
		Hostname:    p.Hostname,
		Type:        device.TypeNerdminer,
		Hashrate:    p.HashRate,
		Temperature: p.Temperature,
	}
	if p.PoolURL != "" {
		snap.StratumPrimary = &device.Stratum{
			URL:  p.PoolURL,
			Port: p.PoolPort,
			User: p.PoolUser,
		}
	}
	return snap, true
}

// configPayload is the body of PATCH /api/system. Field names follow the
// AxeOS settings API; both stratum targets travel in one request so a
// device accepts or rejects the pair atomically.
type configPayload struct {
	StratumURL          string `json:"stratumURL"`
	StratumPort         int    `json:"stratumPort"`
	StratumUser         string `json:"stratumUser"`
	FallbackStratumURL  string `json:"fallbackStratumURL"`
	FallbackStratumPort int    `json:"fallbackStratumPort"`
	FallbackStratumUser string `json:"fallbackStratumUser"`
}

func newConfigPayload(s device.Settings) configPayload {
	return configPayload{
		StratumURL:          s.Primary.URL,
		StratumPort:         s.Primary.Port,
		StratumUser:         s.Primary.User,
		FallbackStratumURL:  s.Fallback.URL,
		FallbackStratumPort: s.Fallback.Port,
		FallbackStratumUser: s.Fallback.User,
	}
}
