package cluster

import (
	"log/slog"

	"github.com/agleyzer/hlsrelay/internal/segment"
)

// Store is a segment store whose replaces go through Raft when this node
// leads. Reads are always served from the local copy.
type Store struct {
	local   *segment.Store
	manager *Manager
	logger  *slog.Logger
}

// NewStore wraps local, which must be the store the manager's FSM applies to.
func NewStore(local *segment.Store, manager *Manager, logger *slog.Logger) *Store {
	return &Store{
		local:   local,
		manager: manager,
		logger:  logger,
	}
}

// Replace installs t cluster-wide on the leader. A follower, or a leader
// whose apply fails, installs t locally only so this replica keeps serving
// the manifest it just handed out.
func (s *Store) Replace(session string, t *segment.Table) error {
	if !s.manager.IsLeader() {
		s.logger.Warn("not the raft leader, segment map replaced locally only",
			"leader", s.manager.LeaderAddr(),
			"entries", t.Len())
		return s.local.Replace(session, t)
	}

	if err := s.manager.ReplaceSegments(session, t); err != nil {
		s.logger.Error("failed to replicate segment map, replacing locally", "error", err)
		return s.local.Replace(session, t)
	}
	return nil
}

// Lookup resolves path against the local copy.
func (s *Store) Lookup(session, path string) (string, bool) {
	return s.local.Lookup(session, path)
}

// Cookie returns the cookie recorded with the local table for session.
func (s *Store) Cookie(session string) string {
	return s.local.Cookie(session)
}
