// Package cascade deletes records together with the records that depend on them.
//
// The document store has no foreign keys and no multi-document transaction
// is used, so ordering is the only guarantee: a question is removed only
// after every one of its replies is gone. When some reply deletes fail the
// question stays, the caller gets a *PartialError, and running the same
// delete again finishes the job (deleting an absent document succeeds).
//
// Authorization is not checked here. Callers decide who may delete.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sakif/homework-helper/internal/apperror"
	"github.com/sakif/homework-helper/internal/docstore"
	"github.com/sakif/homework-helper/internal/metrics"
	"github.com/sakif/homework-helper/internal/model"
)

// DefaultConcurrency caps how many reply deletes run at once.
const DefaultConcurrency = 8

// ClassHasQuestions is the message returned when a class delete is refused.
const ClassHasQuestions = "Class has questions. Delete/move them first."

// Coordinator runs cascading deletes against a store.
type Coordinator struct {
	store       docstore.Store
	logger      *slog.Logger
	concurrency int
}

// New creates a Coordinator. concurrency <= 0 means DefaultConcurrency.
func New(store docstore.Store, logger *slog.Logger, concurrency int) *Coordinator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Coordinator{store: store, logger: logger, concurrency: concurrency}
}

// PartialError reports a cascade that stopped before deleting the parent.
type PartialError struct {
	QuestionID string
	Deleted    []string
	Failed     map[string]error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("cascade: question %s kept: %d of %d replies could not be deleted",
		e.QuestionID, len(e.Failed), len(e.Failed)+len(e.Deleted))
}

// Unwrap exposes the individual delete failures to errors.Is and errors.As.
func (e *PartialError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, id := range e.FailedIDs() {
		errs = append(errs, e.Failed[id])
	}
	return errs
}

// FailedIDs returns the IDs of the replies that are still present, sorted.
func (e *PartialError) FailedIDs() []string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeleteQuestionDeep deletes every reply of the question concurrently, waits
// for all of them to settle, then deletes the question.
func (c *Coordinator) DeleteQuestionDeep(ctx context.Context, questionID string) error {
	posts, err := c.store.Query(ctx, docstore.NewQuery(model.Posts,
		docstore.Where("questionId", docstore.Equal, questionID),
	))
	if err != nil {
		metrics.CascadeDeletes.WithLabelValues("error").Inc()
		return fmt.Errorf("cascade: listing replies of %s: %w", questionID, err)
	}

	ids := make([]string, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}

	deleted, failed := c.deleteAll(ctx, model.Posts, ids)
	if len(failed) > 0 {
		metrics.CascadeDeletes.WithLabelValues("partial").Inc()
		perr := &PartialError{QuestionID: questionID, Deleted: deleted, Failed: failed}
		c.logger.Warn("cascade delete incomplete",
			slog.String("question_id", questionID),
			slog.Int("deleted", len(deleted)),
			slog.Int("failed", len(failed)),
		)
		return perr
	}

	if err := c.store.Delete(ctx, model.Questions, questionID); err != nil {
		metrics.CascadeDeletes.WithLabelValues("error").Inc()
		return fmt.Errorf("cascade: deleting question %s: %w", questionID, err)
	}

	metrics.CascadeDeletes.WithLabelValues("ok").Inc()
	c.logger.Info("question deleted",
		slog.String("question_id", questionID),
		slog.Int("replies", len(deleted)),
	)
	return nil
}

// RepairOrphans deletes replies whose question no longer exists, e.g. after
// a parent was removed by hand. It returns how many replies were removed.
//
// Replies are listed before questions: a question created between the two
// reads cannot have its new replies mistaken for orphans.
func (c *Coordinator) RepairOrphans(ctx context.Context) (int, error) {
	posts, err := c.store.Query(ctx, docstore.NewQuery(model.Posts))
	if err != nil {
		return 0, fmt.Errorf("cascade: listing replies: %w", err)
	}
	questions, err := c.store.Query(ctx, docstore.NewQuery(model.Questions))
	if err != nil {
		return 0, fmt.Errorf("cascade: listing questions: %w", err)
	}

	alive := make(map[string]struct{}, len(questions))
	for _, q := range questions {
		alive[q.ID] = struct{}{}
	}

	var orphans []string
	for _, p := range posts {
		if _, ok := alive[p.String("questionId")]; !ok {
			orphans = append(orphans, p.ID)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	deleted, failed := c.deleteAll(ctx, model.Posts, orphans)
	c.logger.Info("orphaned replies removed",
		slog.Int("deleted", len(deleted)),
		slog.Int("failed", len(failed)),
	)
	if len(failed) > 0 {
		errs := make([]error, 0, len(failed))
		for id, err := range failed {
			errs = append(errs, fmt.Errorf("reply %s: %w", id, err))
		}
		return len(deleted), fmt.Errorf("cascade: removing orphans: %w", errors.Join(errs...))
	}
	return len(deleted), nil
}

// DeleteClassIfEmpty removes a class that no question references. removed is
// false, with an apperror.ErrConflict, when at least one question remains.
// Questions are never deleted along with their class.
func (c *Coordinator) DeleteClassIfEmpty(ctx context.Context, classID string) (removed bool, err error) {
	if _, ok, err := c.store.Get(ctx, model.Classes, classID); err != nil {
		return false, fmt.Errorf("cascade: reading class %s: %w", classID, err)
	} else if !ok {
		return false, apperror.NotFound("class", classID)
	}

	dependents, err := c.store.Query(ctx, docstore.NewQuery(model.Questions,
		docstore.Where("classId", docstore.Equal, classID),
		docstore.Limit(1),
	))
	if err != nil {
		return false, fmt.Errorf("cascade: checking questions of class %s: %w", classID, err)
	}
	if len(dependents) > 0 {
		return false, apperror.Conflict(ClassHasQuestions)
	}

	if err := c.store.Delete(ctx, model.Classes, classID); err != nil {
		return false, fmt.Errorf("cascade: deleting class %s: %w", classID, err)
	}
	c.logger.Info("class deleted", slog.String("class_id", classID))
	return true, nil
}

// deleteAll deletes every id in collection with bounded concurrency and
// reports each outcome. It never stops early: one failure does not cancel
// the others, so every delete settles before it returns.
func (c *Coordinator) deleteAll(ctx context.Context, collection string, ids []string) (deleted []string, failed map[string]error) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.concurrency)
	failed = make(map[string]error)

	for _, id := range ids {
		g.Go(func() error {
			err := c.store.Delete(ctx, collection, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[id] = err
			} else {
				deleted = append(deleted, id)
			}
			return nil
		})
	}
	g.Wait()

	sort.Strings(deleted)
	return deleted, failed
}
