package service

import (
	"context"
	"log/slog"

	"github.com/sakif/homework-helper/internal/docstore"
	"github.com/sakif/homework-helper/internal/model"
)

// ModeratorChecker decides whether a user has moderator rights. A lookup
// that fails must answer false: errors never grant privileges.
type ModeratorChecker interface {
	IsModerator(ctx context.Context, uid string) bool
}

// NoModerators is the default checker: nobody is a moderator.
type NoModerators struct{}

func (NoModerators) IsModerator(context.Context, string) bool { return false }

// StoreModerators treats a moderators/{uid} document as the grant.
type StoreModerators struct {
	store  docstore.Store
	logger *slog.Logger
}

// NewStoreModerators creates a StoreModerators.
func NewStoreModerators(store docstore.Store, logger *slog.Logger) *StoreModerators {
	return &StoreModerators{store: store, logger: logger}
}

func (m *StoreModerators) IsModerator(ctx context.Context, uid string) bool {
	if uid == "" {
		return false
	}
	_, ok, err := m.store.Get(ctx, model.Moderators, uid)
	if err != nil {
		m.logger.Warn("moderator lookup failed",
			slog.String("uid", uid),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}
