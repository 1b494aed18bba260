package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	devices "homepi-cloud/internal/devices/domain"
)

// DeviceRepository is a Postgres implementation of devices.Store.
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// GetBySerial fetches a device by serial number.
func (r *DeviceRepository) GetBySerial(ctx context.Context, serial string) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if serial == "" {
		return nil, devices.ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, serial, token, display_name, observed_addr, last_seen_at, created_at
FROM devices
WHERE serial = $1
LIMIT 1`, serial)
	return scanDevice(row)
}

// List returns all registered devices.
func (r *DeviceRepository) List(ctx context.Context) ([]devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, serial, token, display_name, observed_addr, last_seen_at, created_at
FROM devices
ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []devices.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		if dev == nil {
			continue
		}
		result = append(result, *dev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// TouchHeartbeat updates last_seen_at and the observed address, returning
// the previous values.
func (r *DeviceRepository) TouchHeartbeat(ctx context.Context, deviceID, observedAddr string, at time.Time) (time.Time, string, error) {
	if r == nil || r.db == nil {
		return time.Time{}, "", errors.New("device repo: nil db")
	}
	var prevSeen sql.NullTime
	var prevAddr sql.NullString
	err := r.db.QueryRowContext(ctx, `
UPDATE devices d
SET last_seen_at = $2, observed_addr = $3
FROM (SELECT id, last_seen_at, observed_addr FROM devices WHERE id = $1 FOR UPDATE) prev
WHERE d.id = prev.id
RETURNING prev.last_seen_at, prev.observed_addr`, deviceID, at, observedAddr).Scan(&prevSeen, &prevAddr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, "", devices.ErrNotFound
		}
		return time.Time{}, "", err
	}
	var seen time.Time
	if prevSeen.Valid {
		seen = prevSeen.Time.UTC()
	}
	return seen, prevAddr.String, nil
}

// UpsertCapabilities syncs declared capabilities by slug.
func (r *DeviceRepository) UpsertCapabilities(ctx context.Context, deviceID string, decls []devices.CapabilityDecl) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("device repo: nil db")
	}
	changed := 0
	for _, decl := range decls {
		if decl.Slug == "" {
			continue
		}
		kind := decl.Kind
		if kind == "" {
			kind = "light"
		}
		name := decl.Name
		if name == "" {
			name = kind
		}
		config := decl.Config
		if len(config) == 0 {
			config = []byte("{}")
		}
		enabled := true
		if decl.Enabled != nil {
			enabled = *decl.Enabled
		}
		result, err := r.db.ExecContext(ctx, `
INSERT INTO device_capabilities (device_id, slug, kind, name, config, cap_order, enabled, cached_state)
VALUES ($1, $2, $3, $4, $5, $6, $7, '{}')
ON CONFLICT (device_id, slug) DO UPDATE
SET kind = EXCLUDED.kind, name = EXCLUDED.name, config = EXCLUDED.config,
	cap_order = EXCLUDED.cap_order, enabled = EXCLUDED.enabled`,
			deviceID, decl.Slug, kind, name, config, decl.Order, enabled)
		if err != nil {
			return changed, err
		}
		if count, _ := result.RowsAffected(); count > 0 {
			changed++
		}
	}
	return changed, nil
}

// ListCapabilities returns capabilities for a device ordered for display.
func (r *DeviceRepository) ListCapabilities(ctx context.Context, deviceID string) ([]devices.Capability, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT device_id, slug, kind, name, config, cap_order, enabled, cached_state
FROM device_capabilities
WHERE device_id = $1
ORDER BY cap_order ASC, slug ASC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []devices.Capability
	for rows.Next() {
		var cap devices.Capability
		var config, cached []byte
		if err := rows.Scan(&cap.DeviceID, &cap.Slug, &cap.Kind, &cap.Name, &config, &cap.Order, &cap.Enabled, &cached); err != nil {
			return nil, err
		}
		cap.Config = config
		if len(cached) > 0 {
			_ = json.Unmarshal(cached, &cap.CachedState)
		}
		result = append(result, cap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MergeCapabilityState shallow-merges per-slug state maps into cached_state.
func (r *DeviceRepository) MergeCapabilityState(ctx context.Context, deviceID string, state map[string]map[string]any) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if len(state) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for slug, delta := range state {
		if len(delta) == 0 {
			continue
		}
		var cached []byte
		err := tx.QueryRowContext(ctx, `
SELECT cached_state FROM device_capabilities
WHERE device_id = $1 AND slug = $2
FOR UPDATE`, deviceID, slug).Scan(&cached)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		merged := map[string]any{}
		if len(cached) > 0 {
			_ = json.Unmarshal(cached, &merged)
		}
		for key, value := range delta {
			merged[key] = value
		}
		payload, err := json.Marshal(merged)
		if err != nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE device_capabilities SET cached_state = $3
WHERE device_id = $1 AND slug = $2`, deviceID, slug, payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*devices.Device, error) {
	var dev devices.Device
	var displayName, observedAddr sql.NullString
	var lastSeen sql.NullTime
	if err := row.Scan(&dev.ID, &dev.Serial, &dev.Token, &displayName, &observedAddr, &lastSeen, &dev.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, devices.ErrNotFound
		}
		return nil, err
	}
	dev.DisplayName = displayName.String
	dev.ObservedAddr = observedAddr.String
	if lastSeen.Valid {
		dev.LastSeenAt = lastSeen.Time.UTC()
	}
	dev.CreatedAt = dev.CreatedAt.UTC()
	return &dev, nil
}
