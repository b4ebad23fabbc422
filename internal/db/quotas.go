package db

import (
	"database/sql"
	"fmt"
	"time"
)

// TenantQuota is a per-tenant override of the hardcoded/env-default
// concurrent-session cap. A nil MaxSessions means "no override at this
// layer" rather than "unlimited" — the quota package treats 0 as
// unlimited and leaves "absent" to mean "fall through to the next layer."
type TenantQuota struct {
	TenantID    string
	MaxSessions *int
	UpdatedAt   time.Time
}

// GetSystemSetting reads a single key from the system_settings table. An
// empty string with no error means the key is absent.
func (db *DB) GetSystemSetting(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM system_settings WHERE key = $1", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get system setting %s: %w", key, err)
	}
	return value, nil
}

// SetSystemSetting upserts a key/value pair.
func (db *DB) SetSystemSetting(key, value string) error {
	_, err := db.Exec(
		`INSERT INTO system_settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set system setting %s: %w", key, err)
	}
	return nil
}

// GetTenantQuota returns the tenant's quota override row, or nil if none
// exists.
func (db *DB) GetTenantQuota(tenantID string) (*TenantQuota, error) {
	q := &TenantQuota{}
	err := db.QueryRow(
		`SELECT tenant_id, max_sessions, updated_at FROM tenant_quotas WHERE tenant_id = $1`,
		tenantID,
	).Scan(&q.TenantID, &q.MaxSessions, &q.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant quota: %w", err)
	}
	return q, nil
}

// SetTenantQuota upserts a tenant's max-concurrent-sessions override.
func (db *DB) SetTenantQuota(tenantID string, maxSessions *int) error {
	_, err := db.Exec(
		`INSERT INTO tenant_quotas (tenant_id, max_sessions, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   max_sessions = EXCLUDED.max_sessions,
		   updated_at = NOW()`,
		tenantID, maxSessions,
	)
	if err != nil {
		return fmt.Errorf("set tenant quota: %w", err)
	}
	return nil
}

// DeleteTenantQuota removes a tenant's override, falling back to the
// env/hardcoded default layers.
func (db *DB) DeleteTenantQuota(tenantID string) error {
	_, err := db.Exec("DELETE FROM tenant_quotas WHERE tenant_id = $1", tenantID)
	if err != nil {
		return fmt.Errorf("delete tenant quota: %w", err)
	}
	return nil
}
