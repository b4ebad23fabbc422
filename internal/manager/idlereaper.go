package manager

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// idleReaperPeriod is the registry scan interval.
const idleReaperPeriod = 30 * time.Second

// idleReaperParallelism bounds how many stale sessions are torn down
// concurrently within one scan: one slow teardown must not delay reaping
// the rest of that scan's stale sessions.
const idleReaperParallelism = 4

// RunIdleReaper blocks, periodically destroying sessions whose last-used
// timestamp is older than the configured idle timeout, until ctx is
// cancelled.
func (m *Manager) RunIdleReaper(ctx context.Context) {
	timeout := m.cfg.IdleTimeout
	if timeout <= 0 {
		timeout = 1800 * time.Second
	}

	ticker := time.NewTicker(idleReaperPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce(ctx, timeout)
		}
	}
}

func (m *Manager) reapOnce(ctx context.Context, timeout time.Duration) {
	stale := m.reg.Stale(timeout)
	if len(stale) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idleReaperParallelism)
	for _, id := range stale {
		sessionID := id
		g.Go(func() error {
			destroyed, err := m.DestroySession(gctx, sessionID)
			if err != nil {
				log.Printf("idle reaper: destroy %s: %v", sessionID, err)
				return nil
			}
			if destroyed {
				log.Printf("idle reaper: destroyed idle session %s", sessionID)
			}
			return nil
		})
	}
	g.Wait()
}
