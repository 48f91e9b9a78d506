package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
//
// Every write is a single-row statement: the store never needs a global
// lock to keep one device's record consistent, so writes for unrelated
// IPs do not serialize against each other at this layer.
type Repository interface {
	// GetByIP retrieves a device by its IPv4 address.
	// Returns ErrDeviceNotFound if no record exists.
	GetByIP(ctx context.Context, ip string) (*Device, error)

	// List retrieves all devices. Order is unspecified; the Registry
	// sorts numerically by IP.
	List(ctx context.Context) ([]Device, error)

	// Upsert inserts the device or replaces the existing row with the
	// same IP. The caller (Registry) has already merged old and new
	// state, so a full-row write is safe.
	Upsert(ctx context.Context, device *Device) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with the
// devices table migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `ip, hostname, type, source, online, last_seen,
		hashrate, temperature, firmware_version, asic_model,
		stratum_primary, stratum_fallback, created_at, updated_at`

// GetByIP retrieves a device by its IPv4 address.
func (r *SQLiteRepository) GetByIP(ctx context.Context, ip string) (*Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE ip = ?`

	row := r.db.QueryRowContext(ctx, query, ip)
	device, err := scanDeviceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by ip: %w", err)
	}
	return device, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		ORDER BY ip`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// Upsert inserts or replaces the device row keyed by IP.
func (r *SQLiteRepository) Upsert(ctx context.Context, device *Device) error {
	primaryJSON, err := marshalStratum(device.StratumPrimary)
	if err != nil {
		return fmt.Errorf("marshalling stratum_primary: %w", err)
	}
	fallbackJSON, err := marshalStratum(device.StratumFallback)
	if err != nil {
		return fmt.Errorf("marshalling stratum_fallback: %w", err)
	}

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
		INSERT INTO devices (
			ip, hostname, type, source, online, last_seen,
			hashrate, temperature, firmware_version, asic_model,
			stratum_primary, stratum_fallback, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			hostname = excluded.hostname,
			type = excluded.type,
			source = excluded.source,
			online = excluded.online,
			last_seen = excluded.last_seen,
			hashrate = excluded.hashrate,
			temperature = excluded.temperature,
			firmware_version = excluded.firmware_version,
			asic_model = excluded.asic_model,
			stratum_primary = excluded.stratum_primary,
			stratum_fallback = excluded.stratum_fallback,
			updated_at = excluded.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		device.IP,
		device.Hostname,
		string(device.Type),
		string(device.Source),
		boolToInt(device.Online),
		nullableTime(device.LastSeen),
		nullableFloat(device.Hashrate),
		nullableFloat(device.Temperature),
		nullableString(device.FirmwareVersion),
		nullableString(device.ASICModel),
		primaryJSON,
		fallbackJSON,
		device.CreatedAt.Format(time.RFC3339),
		device.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}

	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDeviceRow scans a row or rows result into a Device.
func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var d Device
	var deviceType, source string
	var online int
	var lastSeen sql.NullString
	var hashrate, temperature sql.NullFloat64
	var firmwareVersion, asicModel sql.NullString
	var primaryJSON, fallbackJSON sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.IP,
		&d.Hostname,
		&deviceType,
		&source,
		&online,
		&lastSeen,
		&hashrate,
		&temperature,
		&firmwareVersion,
		&asicModel,
		&primaryJSON,
		&fallbackJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Type = Type(deviceType)
	d.Source = Source(source)
	d.Online = online != 0

	if lastSeen.Valid {
		t, parseErr := time.Parse(time.RFC3339, lastSeen.String)
		if parseErr == nil {
			d.LastSeen = &t
		}
	}
	if hashrate.Valid {
		d.Hashrate = &hashrate.Float64
	}
	if temperature.Valid {
		d.Temperature = &temperature.Float64
	}
	if firmwareVersion.Valid {
		d.FirmwareVersion = &firmwareVersion.String
	}
	if asicModel.Valid {
		d.ASICModel = &asicModel.String
	}

	d.StratumPrimary, err = unmarshalStratum(primaryJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling stratum_primary: %w", err)
	}
	d.StratumFallback, err = unmarshalStratum(fallbackJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling stratum_fallback: %w", err)
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &d, nil
}

// marshalStratum serialises a stratum target to JSON, or NULL when absent.
func marshalStratum(s *Stratum) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalStratum parses a stored stratum JSON column.
func unmarshalStratum(col sql.NullString) (*Stratum, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var s Stratum
	if err := json.Unmarshal([]byte(col.String), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableFloat returns a sql.NullFloat64 for optional float pointers.
func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
