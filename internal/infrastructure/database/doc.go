// Package database provides the SQLite persistence layer for Hashwatch
// Core: connection lifecycle, WAL configuration, health checks, and an
// embedded-filesystem migration runner.
//
// The device registry is the only schema owner; migrations live in the
// top-level migrations package and register themselves via MigrationsFS.
package database
