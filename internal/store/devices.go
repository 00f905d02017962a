package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrDeviceNotFound = errors.New("device endpoint not found")

// DeviceEndpoint is a push-notification target for a user (spec.md §3).
// Tokens are unique globally: registering a token already bound to a
// different uid reassigns it to the new owner.
type DeviceEndpoint struct {
	Token     string
	UID       string
	Provider  string
	CreatedAt time.Time
}

// DeviceStore provides PostgreSQL-backed device endpoint storage.
type DeviceStore struct {
	pool *pgxpool.Pool
}

// NewDeviceStore creates a new PostgreSQL device endpoint store.
func NewDeviceStore(pool *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{pool: pool}
}

// Register upserts a (uid, token) device endpoint. Re-registering the same
// token for the same uid is a no-op; registering a token already bound to a
// different uid reassigns it (spec.md's SUPPLEMENTED FEATURES: idempotent
// registration per (uid, token), tokens unique globally).
func (s *DeviceStore) Register(ctx context.Context, uid, token, provider string) error {
	if provider == "" {
		provider = "fcm"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_tokens (token, uid, provider, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE SET uid = EXCLUDED.uid, provider = EXCLUDED.provider
	`, token, uid, provider, time.Now().UTC())
	return err
}

// Unregister removes a device endpoint owned by uid.
func (s *DeviceStore) Unregister(ctx context.Context, uid, token string) error {
	result, err := s.pool.Exec(ctx, "DELETE FROM device_tokens WHERE token = $1 AND uid = $2", token, uid)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// ListForUser returns all device endpoints registered for uid.
func (s *DeviceStore) ListForUser(ctx context.Context, uid string) ([]*DeviceEndpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token, uid, provider, created_at FROM device_tokens WHERE uid = $1
	`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*DeviceEndpoint
	for rows.Next() {
		d := &DeviceEndpoint{}
		if err := rows.Scan(&d.Token, &d.UID, &d.Provider, &d.CreatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
