package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tourney-link/internal/domain"
)

// Renamer carries a rename decision out to the chat platform integration.
// The actual rename call happens there; this package only decides when one
// is needed and what the target name is.
type Renamer interface {
	RequestRename(ctx context.Context, req domain.RenameRequest) error
}

// Sync turns username-change events into display-name rename requests. It
// is idempotent: a second event with the same target name for the same
// chat identity produces no new request.
type Sync struct {
	renamer Renamer
	logger  *slog.Logger

	mu        sync.Mutex
	requested map[string]string // chat identity -> last requested display name
}

// New creates a presence sync.
func New(renamer Renamer, logger *slog.Logger) *Sync {
	return &Sync{
		renamer:   renamer,
		logger:    logger,
		requested: make(map[string]string),
	}
}

// OnUsernameChanged decides whether the chat platform should rename the
// participant to match their new in-game name.
func (s *Sync) OnUsernameChanged(ctx context.Context, event domain.UsernameChangedEvent) error {
	if event.ChatIdentity == "" || event.NewUsername == "" {
		return nil
	}

	s.mu.Lock()
	if s.requested[event.ChatIdentity] == event.NewUsername {
		s.mu.Unlock()
		s.logger.Debug("rename already requested",
			"chat_identity", event.ChatIdentity,
			"display_name", event.NewUsername,
		)
		return nil
	}
	s.requested[event.ChatIdentity] = event.NewUsername
	s.mu.Unlock()

	req := domain.RenameRequest{
		ChatIdentity: event.ChatIdentity,
		DisplayName:  event.NewUsername,
		RequestedAt:  time.Now().UTC(),
	}

	if err := s.renamer.RequestRename(ctx, req); err != nil {
		// Forget the request so a retry of the same event goes through.
		s.mu.Lock()
		if s.requested[event.ChatIdentity] == event.NewUsername {
			delete(s.requested, event.ChatIdentity)
		}
		s.mu.Unlock()
		return err
	}

	s.logger.Info("rename requested",
		"chat_identity", event.ChatIdentity,
		"display_name", event.NewUsername,
	)
	return nil
}
