// Package device provides the Device Registry for Hashwatch Core.
//
// The Device Registry is the catalogue of every miner known to a Hashwatch
// installation, keyed by IPv4 address. It owns the merge semantics for
// probe results, manual additions, and config-push confirmations, and is
// the only shared mutable state between the subnet scanner, the config
// dispatcher, and the REST API.
//
// # Architecture
//
//	┌────────────────────────────────────────────────────────────────────┐
//	│                         Device Registry                            │
//	│                                                                    │
//	│  ┌────────────────┐    ┌──────────────────┐   ┌─────────────────┐  │
//	│  │    Registry    │    │    Repository    │   │   Validation    │  │
//	│  │ (registry.go)  │───▶│ (repository.go)  │   │ (validation.go) │  │
//	│  │                │    │                  │   │                 │  │
//	│  │ • merge rules  │    │ • SQLite rows    │   │ • IP checks     │  │
//	│  │ • per-IP locks │    │ • upsert-by-ip   │   │ • prefix checks │  │
//	│  │ • freshness    │    │ • JSON stratum   │   │ • stratum pairs │  │
//	│  └────────────────┘    └──────────────────┘   └─────────────────┘  │
//	└────────────────────────────────────────────────────────────────────┘
//
// # Merge invariants
//
//   - A record is upserted by IP, never duplicated.
//   - A failed probe marks a device offline but never deletes the record
//     nor clears last-known hashrate, temperature, or stratum fields.
//   - Manual-source records survive scans that do not find them.
//   - A probe result is only merged if no probe started later for the same
//     IP has already been merged (ApplyProbeSuccess/Failure take a sequence
//     from NextProbeSeq allocated at probe start).
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	seq := registry.NextProbeSeq()
//	snap, err := client.Probe(ctx, "192.168.1.42")
//	if err != nil {
//	    registry.ApplyProbeFailure(ctx, seq, "192.168.1.42")
//	} else {
//	    registry.ApplyProbeSuccess(ctx, seq, *snap)
//	}
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use. Mutations for the same
// IP serialize on a lock stripe; unrelated IPs proceed independently. The
// cache is write-through: the SQLite row is written before the cache entry,
// so a crash never loses an acknowledged manual add.
package device
