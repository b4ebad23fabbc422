// Package quota resolves the per-tenant concurrent-session cap through a
// priority chain, highest first: a per-tenant DB row, then the
// system-wide default in the system_settings table, then an environment
// variable, then a hardcoded fallback.
package quota

import (
	"log"
	"os"
	"strconv"

	"github.com/execbox/execbox/internal/db"
	"github.com/execbox/execbox/internal/execerr"
)

const (
	settingKeyDefaultMaxSessions = "default_tenant_max_sessions"
	hardcodedDefaultMaxSessions  = 20
)

// Service resolves and enforces tenant session quotas. DB is optional: a
// nil DB means both DB layers fall through immediately to the
// env/hardcoded layers, matching how the rest of the manager tolerates DATABASE_URL
// being unset.
type Service struct {
	db *db.DB
}

func New(database *db.DB) *Service {
	return &Service{db: database}
}

// MaxSessions resolves the effective concurrent-session cap for a tenant.
// 0 means unlimited.
func (s *Service) MaxSessions(tenantID string) int {
	max := hardcodedDefaultMaxSessions
	if v := os.Getenv("DEFAULT_TENANT_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			max = n
		}
	}

	if s.db == nil {
		return max
	}

	if v, err := s.db.GetSystemSetting(settingKeyDefaultMaxSessions); err != nil {
		log.Printf("quota: read system default: %v", err)
	} else if v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			max = n
		}
	}

	if tenantID == "" {
		return max
	}

	tq, err := s.db.GetTenantQuota(tenantID)
	if err != nil {
		log.Printf("quota: read tenant quota for %s: %v", tenantID, err)
		return max
	}
	if tq != nil && tq.MaxSessions != nil {
		return *tq.MaxSessions
	}
	return max
}

// Check enforces the cap: current is the tenant's live session count
// before the new session would be added. An empty tenantID (the caller
// didn't supply one) is never quota-limited; each such session is its
// own implicit single-tenant scope.
func (s *Service) Check(tenantID string, current int) error {
	if tenantID == "" {
		return nil
	}
	max := s.MaxSessions(tenantID)
	if max == 0 {
		return nil
	}
	if current >= max {
		return execerr.QuotaExceeded
	}
	return nil
}
