package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sakif/homework-helper/internal/docstore"
	"github.com/sakif/homework-helper/internal/feed"
	"github.com/sakif/homework-helper/internal/live"
	"github.com/sakif/homework-helper/internal/model"
	"github.com/sakif/homework-helper/internal/session"
)

// Queries behind the lists. The one-shot and live variants share them so
// both always agree.

func ClassesQuery() docstore.Query {
	return docstore.NewQuery(model.Classes, docstore.OrderBy("name", docstore.Asc))
}

func QuestionsQuery() docstore.Query {
	return docstore.NewQuery(model.Questions, docstore.OrderBy("createdAtMs", docstore.Desc))
}

func RepliesQuery(questionID string) docstore.Query {
	return docstore.NewQuery(model.Posts, docstore.Where("questionId", docstore.Equal, questionID))
}

func LeaderboardQuery() docstore.Query {
	return docstore.NewQuery(model.Users,
		docstore.OrderBy("points", docstore.Desc),
		docstore.Limit(LeaderboardSize),
	)
}

// LiveFeed is a composed question feed that follows the store. Close
// releases both underlying subscriptions.
type LiveFeed struct {
	*feed.Composer
	questions *live.View[model.Question]
	classes   *live.View[model.Class]
	once      sync.Once
}

// Ready is closed once both lists have loaded.
func (l *LiveFeed) Ready() <-chan struct{} {
	ready := make(chan struct{})
	go func() {
		<-l.questions.Ready()
		<-l.classes.Ready()
		close(ready)
	}()
	return ready
}

// Close stops the feed. Safe to call more than once.
func (l *LiveFeed) Close() {
	l.once.Do(func() {
		l.Composer.Close()
		l.questions.Close()
		l.classes.Close()
	})
}

// WatchFeed opens a live question feed with an initial filter.
func (f *Forum) WatchFeed(ctx context.Context, filter feed.Filter, loc *time.Location) (*LiveFeed, error) {
	questions, err := live.Watch(ctx, f.store, QuestionsQuery(), model.QuestionFromDocument, f.logger)
	if err != nil {
		return nil, fmt.Errorf("service: watching questions: %w", err)
	}
	classes, err := live.Watch(ctx, f.store, ClassesQuery(), model.ClassFromDocument, f.logger)
	if err != nil {
		questions.Close()
		return nil, fmt.Errorf("service: watching classes: %w", err)
	}
	return &LiveFeed{
		Composer:  feed.NewComposer(questions, classes, filter, loc),
		questions: questions,
		classes:   classes,
	}, nil
}

// WatchClasses opens a live class list.
func (f *Forum) WatchClasses(ctx context.Context) (*live.View[model.Class], error) {
	return live.Watch(ctx, f.store, ClassesQuery(), model.ClassFromDocument, f.logger)
}

// WatchReplies opens a live reply list for one question. Items arrive in
// store order; callers sort with feed.SortReplies.
func (f *Forum) WatchReplies(ctx context.Context, questionID string) (*live.View[model.Post], error) {
	return live.Watch(ctx, f.store, RepliesQuery(questionID), model.PostFromDocument, f.logger)
}

// WatchLeaderboard opens a live leaderboard.
func (f *Forum) WatchLeaderboard(ctx context.Context) (*live.View[model.User], error) {
	return live.Watch(ctx, f.store, LeaderboardQuery(), model.UserFromDocument, f.logger)
}

// WatchModerator tracks whether the caller is a moderator. Anonymous
// sessions get nil.
func (f *Forum) WatchModerator(ctx context.Context, s session.Session) *live.Flag {
	if !s.SignedIn() {
		return nil
	}
	return live.WatchPresence(ctx, f.store, model.Moderators, s.UID(), f.logger)
}

