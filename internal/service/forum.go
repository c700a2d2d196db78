// Package service holds the forum's business rules.
//
// Handlers turn requests into calls on Forum; Forum validates input, checks
// who may do what, and talks to the document store, the blob store and the
// cascade coordinator. Every operation takes the caller's session.Session
// explicitly. Nothing here knows about HTTP.
//
// ERRORS:
// Input problems are apperror.ErrValidation and are reported before the
// store is touched. Anonymous callers get apperror.ErrUnauthorized with
// session.SignInPrompt. Store failures are wrapped and returned once;
// nothing is retried.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sakif/homework-helper/internal/apperror"
	"github.com/sakif/homework-helper/internal/blob"
	"github.com/sakif/homework-helper/internal/cascade"
	"github.com/sakif/homework-helper/internal/docstore"
	"github.com/sakif/homework-helper/internal/feed"
	"github.com/sakif/homework-helper/internal/model"
	"github.com/sakif/homework-helper/internal/session"
	"github.com/sakif/homework-helper/internal/task"
)

// User-facing messages.
const (
	MsgTitleAndClass  = "Title and class required"
	MsgClassName      = "Class name cannot be empty"
	MsgUnknownClass   = "Class does not exist"
	MsgEmptyReply     = "Reply cannot be empty"
	MsgEmptyUsername  = "Username cannot be empty"
	MsgNotAuthor      = "Only the author or a moderator can delete this."
	MsgModeratorsOnly = "Only moderators can do this."
)

const (
	// HelpfulPoints is what a reply's author earns per "helpful" mark.
	HelpfulPoints = 10
	// LeaderboardSize is how many users the leaderboard shows.
	LeaderboardSize = 10
)

// Deps are the collaborators of a Forum. Moderators defaults to NoModerators
// and Now to time.Now.
type Deps struct {
	Store      docstore.Store
	Cascade    *cascade.Coordinator
	Blobs      blob.Store
	Tasks      *task.Runner
	Moderators ModeratorChecker
	Logger     *slog.Logger
	Now        func() time.Time
}

// Forum implements the forum operations.
type Forum struct {
	store   docstore.Store
	cascade *cascade.Coordinator
	blobs   blob.Store
	tasks   *task.Runner
	mods    ModeratorChecker
	logger  *slog.Logger
	now     func() time.Time
}

// NewForum creates a Forum.
func NewForum(d Deps) *Forum {
	if d.Moderators == nil {
		d.Moderators = NoModerators{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Forum{
		store:   d.Store,
		cascade: d.Cascade,
		blobs:   d.Blobs,
		tasks:   d.Tasks,
		mods:    d.Moderators,
		logger:  d.Logger,
		now:     d.Now,
	}
}

// =========================================================================
// CLASSES
// =========================================================================

// ListClasses returns every class sorted by name.
func (f *Forum) ListClasses(ctx context.Context) ([]model.Class, error) {
	docs, err := f.store.Query(ctx, ClassesQuery())
	if err != nil {
		return nil, fmt.Errorf("service: listing classes: %w", err)
	}
	return decodeAll(f.logger, docs, model.ClassFromDocument), nil
}

// CreateClass adds a class. Any signed-in user may do it.
func (f *Forum) CreateClass(ctx context.Context, s session.Session, name string) (model.Class, error) {
	if err := s.Require(); err != nil {
		return model.Class{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Class{}, apperror.ValidationFailed("name", MsgClassName)
	}

	id, err := f.store.Add(ctx, model.Classes, docstore.Fields{
		"name":      name,
		"createdAt": docstore.ServerTimestamp(),
	})
	if err != nil {
		f.logger.Error("failed to create class",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		return model.Class{}, fmt.Errorf("service: creating class: %w", err)
	}

	f.logger.Info("class created", slog.String("class_id", id), slog.String("uid", s.UID()))
	return f.getClass(ctx, id)
}

// DeleteClass removes a class nobody posted to. Moderators only.
func (f *Forum) DeleteClass(ctx context.Context, s session.Session, id string) error {
	if err := s.Require(); err != nil {
		return err
	}
	if !f.mods.IsModerator(ctx, s.UID()) {
		return apperror.Forbidden(MsgModeratorsOnly)
	}
	if _, err := f.cascade.DeleteClassIfEmpty(ctx, id); err != nil {
		return err
	}
	return nil
}

func (f *Forum) getClass(ctx context.Context, id string) (model.Class, error) {
	doc, ok, err := f.store.Get(ctx, model.Classes, id)
	if err != nil {
		return model.Class{}, fmt.Errorf("service: reading class %s: %w", id, err)
	}
	if !ok {
		return model.Class{}, apperror.NotFound("class", id)
	}
	return model.ClassFromDocument(doc)
}

// =========================================================================
// QUESTIONS
// =========================================================================

// Attachment is a file uploaded with a question.
type Attachment struct {
	Name        string
	ContentType string
	// Size is -1 when unknown.
	Size int64
	Body io.Reader
}

// QuestionInput is what an author submits.
type QuestionInput struct {
	Title      string
	Body       string
	ClassID    string
	Attachment *Attachment
}

// CreateQuestion posts a question. The author's name and photo are copied
// into the question as they are now.
func (f *Forum) CreateQuestion(ctx context.Context, s session.Session, in QuestionInput) (model.Question, error) {
	if err := s.Require(); err != nil {
		return model.Question{}, err
	}
	title := strings.TrimSpace(in.Title)
	classID := strings.TrimSpace(in.ClassID)
	if title == "" || classID == "" {
		return model.Question{}, apperror.ValidationFailed("title", MsgTitleAndClass)
	}

	if _, ok, err := f.store.Get(ctx, model.Classes, classID); err != nil {
		return model.Question{}, fmt.Errorf("service: reading class %s: %w", classID, err)
	} else if !ok {
		return model.Question{}, apperror.ValidationFailed("classId", MsgUnknownClass)
	}

	epoch := f.now().UnixMilli()

	var attachmentURL any
	var uploaded *blob.Handle
	if in.Attachment != nil {
		a := in.Attachment
		h, err := f.blobs.Upload(ctx, blob.AttachmentPath(s.UID(), epoch, a.Name), a.Body, a.Size, a.ContentType)
		if err != nil {
			return model.Question{}, fmt.Errorf("service: uploading attachment: %w", err)
		}
		uploaded = &h
		attachmentURL = f.blobs.URL(h)
	}

	id, err := f.store.Add(ctx, model.Questions, docstore.Fields{
		"title":         title,
		"body":          strings.TrimSpace(in.Body),
		"classId":       classID,
		"createdAt":     docstore.ServerTimestamp(),
		"createdAtMs":   epoch,
		"authorId":      s.UID(),
		"authorName":    s.User.DisplayName,
		"authorPhoto":   s.User.PhotoURL,
		"attachmentURL": attachmentURL,
		"postsCount":    0,
	})
	if err != nil {
		if uploaded != nil {
			h := *uploaded
			f.tasks.Detach("attachment-cleanup", func(ctx context.Context) error {
				return f.blobs.Delete(ctx, h)
			})
		}
		return model.Question{}, fmt.Errorf("service: creating question: %w", err)
	}

	f.logger.Info("question posted",
		slog.String("question_id", id),
		slog.String("class_id", classID),
		slog.String("uid", s.UID()),
	)
	return f.GetQuestion(ctx, id)
}

// GetQuestion returns one question.
func (f *Forum) GetQuestion(ctx context.Context, id string) (model.Question, error) {
	doc, ok, err := f.store.Get(ctx, model.Questions, id)
	if err != nil {
		return model.Question{}, fmt.Errorf("service: reading question %s: %w", id, err)
	}
	if !ok {
		return model.Question{}, apperror.NotFound("question", id)
	}
	return model.QuestionFromDocument(doc)
}

// ListQuestions returns the composed feed as it is right now.
func (f *Forum) ListQuestions(ctx context.Context, filter feed.Filter, loc *time.Location) ([]feed.QuestionView, error) {
	qdocs, err := f.store.Query(ctx, QuestionsQuery())
	if err != nil {
		return nil, fmt.Errorf("service: listing questions: %w", err)
	}
	cdocs, err := f.store.Query(ctx, ClassesQuery())
	if err != nil {
		return nil, fmt.Errorf("service: listing classes: %w", err)
	}
	questions := decodeAll(f.logger, qdocs, model.QuestionFromDocument)
	classes := decodeAll(f.logger, cdocs, model.ClassFromDocument)
	return feed.Compose(questions, classes, filter, loc), nil
}

// DeleteQuestion removes a question and all its replies. Only the author or
// a moderator may do it. A partial failure leaves the question in place and
// returns a *cascade.PartialError; calling again finishes the job.
func (f *Forum) DeleteQuestion(ctx context.Context, s session.Session, id string) error {
	if err := s.Require(); err != nil {
		return err
	}
	q, err := f.GetQuestion(ctx, id)
	if err != nil {
		return err
	}
	if q.AuthorID != s.UID() && !f.mods.IsModerator(ctx, s.UID()) {
		return apperror.Forbidden(MsgNotAuthor)
	}
	return f.cascade.DeleteQuestionDeep(ctx, id)
}

// =========================================================================
// REPLIES
// =========================================================================

// ListReplies returns a question's replies, oldest first.
func (f *Forum) ListReplies(ctx context.Context, questionID string) ([]model.Post, error) {
	docs, err := f.store.Query(ctx, RepliesQuery(questionID))
	if err != nil {
		return nil, fmt.Errorf("service: listing replies of %s: %w", questionID, err)
	}
	return feed.SortReplies(decodeAll(f.logger, docs, model.PostFromDocument)), nil
}

// AddReply posts a reply. The question's postsCount is bumped in the
// background; a failed bump is logged and not retried.
func (f *Forum) AddReply(ctx context.Context, s session.Session, questionID, text string) (model.Post, error) {
	if err := s.Require(); err != nil {
		return model.Post{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Post{}, apperror.ValidationFailed("text", MsgEmptyReply)
	}
	if _, err := f.GetQuestion(ctx, questionID); err != nil {
		return model.Post{}, err
	}

	id, err := f.store.Add(ctx, model.Posts, docstore.Fields{
		"questionId":  questionID,
		"text":        text,
		"createdAt":   docstore.ServerTimestamp(),
		"createdAtMs": f.now().UnixMilli(),
		"authorId":    s.UID(),
		"authorName":  s.User.DisplayName,
		"authorPhoto": s.User.PhotoURL,
		"helpful":     0,
	})
	if err != nil {
		return model.Post{}, fmt.Errorf("service: adding reply to %s: %w", questionID, err)
	}

	f.tasks.Detach("posts-count-increment", func(ctx context.Context) error {
		return f.store.Update(ctx, model.Questions, questionID, docstore.Fields{
			"postsCount": docstore.Increment(1),
		})
	})

	return f.getPost(ctx, id)
}

// DeleteReply removes one reply. Only the author or a moderator may do it.
func (f *Forum) DeleteReply(ctx context.Context, s session.Session, postID string) error {
	if err := s.Require(); err != nil {
		return err
	}
	p, err := f.getPost(ctx, postID)
	if err != nil {
		return err
	}
	if p.AuthorID != s.UID() && !f.mods.IsModerator(ctx, s.UID()) {
		return apperror.Forbidden(MsgNotAuthor)
	}

	if err := f.store.Delete(ctx, model.Posts, postID); err != nil {
		return fmt.Errorf("service: deleting reply %s: %w", postID, err)
	}

	f.tasks.Detach("posts-count-decrement", func(ctx context.Context) error {
		err := f.store.Update(ctx, model.Questions, p.QuestionID, docstore.Fields{
			"postsCount": docstore.Increment(-1),
		})
		if errors.Is(err, apperror.ErrNotFound) {
			return nil
		}
		return err
	})
	return nil
}

// MarkHelpful awards the reply's author HelpfulPoints and bumps the reply's
// helpful count. The two writes are independent: both are attempted, neither
// is rolled back, and the Future reports every failure.
func (f *Forum) MarkHelpful(ctx context.Context, s session.Session, postID string) *task.Future {
	if err := s.Require(); err != nil {
		return task.Resolved("mark-helpful", err)
	}
	p, err := f.getPost(ctx, postID)
	if err != nil {
		return task.Resolved("mark-helpful", err)
	}

	return f.tasks.Go("mark-helpful", func(ctx context.Context) error {
		var g errgroup.Group
		var pointsErr, helpfulErr error
		g.Go(func() error {
			pointsErr = f.store.Update(ctx, model.Users, p.AuthorID, docstore.Fields{
				"points": docstore.Increment(HelpfulPoints),
			})
			return nil
		})
		g.Go(func() error {
			helpfulErr = f.store.Update(ctx, model.Posts, p.ID, docstore.Fields{
				"helpful": docstore.Increment(1),
			})
			return nil
		})
		g.Wait()

		var errs []error
		if pointsErr != nil {
			errs = append(errs, fmt.Errorf("awarding points to %s: %w", p.AuthorID, pointsErr))
		}
		if helpfulErr != nil {
			errs = append(errs, fmt.Errorf("counting helpful on %s: %w", p.ID, helpfulErr))
		}
		if len(errs) > 0 {
			return fmt.Errorf("service: marking %s helpful: %w", p.ID, errors.Join(errs...))
		}

		f.logger.Info("reply marked helpful",
			slog.String("post_id", p.ID),
			slog.String("author_id", p.AuthorID),
			slog.String("by", s.UID()),
		)
		return nil
	})
}

func (f *Forum) getPost(ctx context.Context, id string) (model.Post, error) {
	doc, ok, err := f.store.Get(ctx, model.Posts, id)
	if err != nil {
		return model.Post{}, fmt.Errorf("service: reading reply %s: %w", id, err)
	}
	if !ok {
		return model.Post{}, apperror.NotFound("reply", id)
	}
	return model.PostFromDocument(doc)
}

// RepairOrphans removes replies left behind by interrupted deletes.
// Moderators only.
func (f *Forum) RepairOrphans(ctx context.Context, s session.Session) (int, error) {
	if err := s.Require(); err != nil {
		return 0, err
	}
	if !f.mods.IsModerator(ctx, s.UID()) {
		return 0, apperror.Forbidden(MsgModeratorsOnly)
	}
	return f.cascade.RepairOrphans(ctx)
}

// decodeAll decodes docs, dropping and logging the malformed ones.
func decodeAll[T any](logger *slog.Logger, docs []docstore.Document, decode func(docstore.Document) (T, error)) []T {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		v, err := decode(d)
		if err != nil {
			logger.Warn("skipping malformed document",
				slog.String("id", d.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, v)
	}
	return out
}
