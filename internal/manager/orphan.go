package manager

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"
)

// orphanParallelism bounds concurrent teardown during startup
// reconciliation.
const orphanParallelism = 8

// DestroyAll tears down every live session. Called at manager shutdown so
// no environment outlives the process that owns its registry entry.
func (m *Manager) DestroyAll(ctx context.Context) {
	sessions := m.reg.List()
	if len(sessions) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(orphanParallelism)
	for _, s := range sessions {
		sessionID := s.SessionID
		g.Go(func() error {
			if _, err := m.DestroySession(gctx, sessionID); err != nil {
				log.Printf("manager: shutdown destroy %s: %v", sessionID, err)
			}
			return nil
		})
	}
	g.Wait()
}

// ReconcileOrphans enumerates isolated environments carrying the backend's
// well-known management label and destroys every one of them. The
// in-memory registry never survives a manager restart, so any environment
// found at startup has, by construction, no matching registry entry and
// is an orphan left behind by a crashed prior instance.
func (m *Manager) ReconcileOrphans(ctx context.Context) error {
	handles, err := m.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("list environments: %w", err)
	}
	if len(handles) == 0 {
		return nil
	}

	log.Printf("manager: reconciling %d orphaned environment(s) from a prior instance", len(handles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(orphanParallelism)
	for _, h := range handles {
		handleID := h.ID
		g.Go(func() error {
			if err := m.backend.Stop(gctx, handleID); err != nil {
				log.Printf("manager: failed to stop orphan %s: %v", handleID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
