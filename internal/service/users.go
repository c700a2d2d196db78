package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/homework-helper/internal/apperror"
	"github.com/sakif/homework-helper/internal/docstore"
	"github.com/sakif/homework-helper/internal/model"
	"github.com/sakif/homework-helper/internal/session"
)

// Ranked is a user together with the tier their points earn.
type Ranked struct {
	model.User
	Rank model.Rank `json:"rank"`
}

func rank(u model.User) Ranked { return Ranked{User: u, Rank: u.Rank()} }

// Profile is what a user sees about themselves.
type Profile struct {
	Ranked
	Moderator bool `json:"moderator"`
}

// Leaderboard returns the LeaderboardSize users with the most points.
func (f *Forum) Leaderboard(ctx context.Context) ([]Ranked, error) {
	docs, err := f.store.Query(ctx, LeaderboardQuery())
	if err != nil {
		return nil, fmt.Errorf("service: reading leaderboard: %w", err)
	}
	return RankAll(decodeAll(f.logger, docs, model.UserFromDocument)), nil
}

// RankAll attaches ranks to users, keeping their order.
func RankAll(users []model.User) []Ranked {
	out := make([]Ranked, len(users))
	for i, u := range users {
		out[i] = rank(u)
	}
	return out
}

// Profile returns the caller's users document.
func (f *Forum) Profile(ctx context.Context, s session.Session) (Profile, error) {
	if err := s.Require(); err != nil {
		return Profile{}, err
	}
	doc, ok, err := f.store.Get(ctx, model.Users, s.UID())
	if err != nil {
		return Profile{}, fmt.Errorf("service: reading user %s: %w", s.UID(), err)
	}
	if !ok {
		return Profile{}, apperror.NotFound("user", s.UID())
	}
	u, err := model.UserFromDocument(doc)
	if err != nil {
		return Profile{}, err
	}
	return Profile{Ranked: rank(u), Moderator: f.mods.IsModerator(ctx, s.UID())}, nil
}

// IsModerator reports whether the caller is a moderator. Anonymous callers
// and failed lookups are not.
func (f *Forum) IsModerator(ctx context.Context, s session.Session) bool {
	return s.SignedIn() && f.mods.IsModerator(ctx, s.UID())
}

// UpdateUsername sets both username and displayName. Questions and replies
// already posted keep the name they were posted under.
func (f *Forum) UpdateUsername(ctx context.Context, s session.Session, name string) error {
	if err := s.Require(); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return apperror.ValidationFailed("username", MsgEmptyUsername)
	}

	err := f.store.Set(ctx, model.Users, s.UID(), docstore.Fields{
		"username":    name,
		"displayName": name,
		"updatedAt":   docstore.ServerTimestamp(),
	}, docstore.Merge())
	if err != nil {
		f.logger.Error("failed to save username",
			slog.String("uid", s.UID()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("service: saving username: %w", err)
	}
	return nil
}

// EnsureUser is a session.Listener that creates the users document the
// first time a user is seen. Existing documents are left alone.
func (f *Forum) EnsureUser(ctx context.Context, e session.Event) error {
	if e.Kind == session.SignedOut || !e.Session.SignedIn() {
		return nil
	}
	id := e.Session.User

	_, ok, err := f.store.Get(ctx, model.Users, id.UID)
	if err != nil {
		return fmt.Errorf("service: reading user %s: %w", id.UID, err)
	}
	if ok {
		return nil
	}

	err = f.store.Set(ctx, model.Users, id.UID, docstore.Fields{
		"uid":         id.UID,
		"displayName": id.DisplayName,
		"photoURL":    id.PhotoURL,
		"email":       id.Email,
		"points":      0,
		"createdAt":   docstore.ServerTimestamp(),
	})
	if err != nil {
		return fmt.Errorf("service: creating user %s: %w", id.UID, err)
	}
	f.logger.Info("user created", slog.String("uid", id.UID))
	return nil
}
