package platform

import (
	"context"
	"log/slog"
	"time"

	"chatbridge/internal/domain"
)

// DefaultSessionMaxAge is how long a connection may go without syncing
// before the sweeper considers it stale.
const DefaultSessionMaxAge = 7 * 24 * time.Hour

// SessionManager keeps the persisted connection table honest: connections
// that stopped syncing get expired, and rows that claim to be connected
// without a live adapter get corrected.
type SessionManager struct {
	manager *Manager
	store   domain.ConversationStore
	maxAge  time.Duration
	logger  *slog.Logger

	// injectable clock for tests
	now func() time.Time
}

func NewSessionManager(m *Manager, store domain.ConversationStore, maxAge time.Duration, logger *slog.Logger) *SessionManager {
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	return &SessionManager{
		manager: m,
		store:   store,
		maxAge:  maxAge,
		logger:  logger,
		now:     time.Now,
	}
}

// ValidateSession reports whether a connection is usable right now: a
// persisted record exists, it synced recently enough, and a live connected
// adapter backs it.
func (s *SessionManager) ValidateSession(ctx context.Context, connectionID string) bool {
	conn, err := s.store.Connection(ctx, connectionID)
	if err != nil || conn == nil {
		return false
	}
	if s.now().Sub(conn.LastSyncAt) > s.maxAge {
		return false
	}
	adapter, ok := s.manager.Adapter(connectionID)
	return ok && adapter.Status() == domain.StatusConnected
}

// ExpireOldSessions disconnects connections whose last sync is older than
// maxAge and returns how many were expired.
func (s *SessionManager) ExpireOldSessions(ctx context.Context) (int, error) {
	conns, err := s.store.ConnectionsByStatus(ctx, domain.StatusConnected, domain.StatusAuthenticating, domain.StatusConnecting)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.maxAge)
	expired := 0
	for _, conn := range conns {
		if !conn.LastSyncAt.Before(cutoff) {
			continue
		}
		s.logger.Info("expiring stale connection", "connection", conn.ID, "lastSync", conn.LastSyncAt)
		if err := s.manager.DisconnectPlatform(ctx, conn.ID); err != nil {
			// No live adapter; fix the record directly.
			if err := s.store.UpdateConnectionStatus(ctx, conn.ID, domain.StatusDisconnected); err != nil {
				s.logger.Error("mark expired connection failed", "connection", conn.ID, "err", err)
				continue
			}
		}
		expired++
	}
	return expired, nil
}

// CleanupOrphanedSessions corrects rows that claim a live status but have no
// adapter in the registry (typically after an unclean restart). Returns how
// many rows were corrected.
func (s *SessionManager) CleanupOrphanedSessions(ctx context.Context) (int, error) {
	conns, err := s.store.ConnectionsByStatus(ctx, domain.StatusConnected, domain.StatusAuthenticating, domain.StatusConnecting)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, conn := range conns {
		if _, ok := s.manager.Adapter(conn.ID); ok {
			continue
		}
		s.logger.Warn("orphaned connection record, marking disconnected", "connection", conn.ID)
		if err := s.store.UpdateConnectionStatus(ctx, conn.ID, domain.StatusDisconnected); err != nil {
			s.logger.Error("mark orphaned connection failed", "connection", conn.ID, "err", err)
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

// Run sweeps on a fixed interval until ctx is cancelled. A failed sweep is
// logged and retried on the next tick.
func (s *SessionManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ExpireOldSessions(ctx); err != nil {
				s.logger.Error("session expiry sweep failed", "err", err)
			} else if n > 0 {
				s.logger.Info("expired stale sessions", "count", n)
			}
			if n, err := s.CleanupOrphanedSessions(ctx); err != nil {
				s.logger.Error("orphan cleanup sweep failed", "err", err)
			} else if n > 0 {
				s.logger.Info("cleaned orphaned sessions", "count", n)
			}
		}
	}
}
