package hub

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartSweeper launches periodic stale-connection cleanup. Safe to call
// more than once; only the first call starts the loop. The loop exits when
// ctx is canceled.
func (h *Hub) StartSweeper(ctx context.Context) {
	if h.sweepInterval <= 0 || h.maxConnectionAge <= 0 {
		return
	}

	h.sweepOnce.Do(func() {
		ticker := time.NewTicker(h.sweepInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					h.sweepStale()
				}
			}
		}()
	})
}

// sweepStale closes live sessions whose heartbeat aged out, then removes
// registry entries with no session left at all (ghosts from transports that
// died without a clean disconnect).
func (h *Hub) sweepStale() {
	stale := h.reg.StaleConnections(h.maxConnectionAge)
	removed := 0

	for _, conn := range stale {
		h.mu.Lock()
		s := h.sessions[conn.ConnectionID]
		h.mu.Unlock()

		if s != nil {
			h.closeSession(s, "stale connection")
			removed++
			continue
		}
		if h.reg.Remove(conn.ConnectionID) {
			removed++
		}
	}

	if removed > 0 {
		h.metrics.recordSwept(removed)
		h.log.Info("removed stale connections",
			zap.Int("count", removed),
			zap.Duration("max_age", h.maxConnectionAge))
	}
}
