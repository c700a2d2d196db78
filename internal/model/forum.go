package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/sakif/homework-helper/internal/docstore"
)

// ErrMalformed is returned when a stored document lacks a field the entity
// cannot exist without.
var ErrMalformed = errors.New("model: malformed document")

// Class groups questions by course.
type Class struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// ClassFromDocument decodes a classes document. A class without a name is malformed.
func ClassFromDocument(doc docstore.Document) (Class, error) {
	name := doc.String("name")
	if name == "" {
		return Class{}, fmt.Errorf("%w: class %s has no name", ErrMalformed, doc.ID)
	}
	return Class{
		ID:        doc.ID,
		Name:      name,
		CreatedAt: timeField(doc, "createdAt"),
	}, nil
}

// Question is a help request posted to a class.
//
// AuthorName and AuthorPhoto are a snapshot taken when the question was
// posted; later profile edits do not change them.
//
// Two creation times are kept. CreatedAt is the server timestamp and is
// authoritative for display but may be nil for a moment after the write.
// CreatedAtMs is the writer's epoch in milliseconds, used for ordering.
type Question struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	ClassID       string     `json:"classId"`
	AuthorID      string     `json:"authorId"`
	AuthorName    string     `json:"authorName"`
	AuthorPhoto   string     `json:"authorPhoto"`
	AttachmentURL string     `json:"attachmentURL,omitempty"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	CreatedAtMs   *int64     `json:"createdAtMs,omitempty"`
	PostsCount    int64      `json:"postsCount"`
}

// QuestionFromDocument decodes a questions document. classId is required.
func QuestionFromDocument(doc docstore.Document) (Question, error) {
	classID := doc.String("classId")
	if classID == "" {
		return Question{}, fmt.Errorf("%w: question %s has no classId", ErrMalformed, doc.ID)
	}
	return Question{
		ID:            doc.ID,
		Title:         doc.String("title"),
		Body:          doc.String("body"),
		ClassID:       classID,
		AuthorID:      doc.String("authorId"),
		AuthorName:    doc.String("authorName"),
		AuthorPhoto:   doc.String("authorPhoto"),
		AttachmentURL: doc.String("attachmentURL"),
		CreatedAt:     timeField(doc, "createdAt"),
		CreatedAtMs:   int64Field(doc, "createdAtMs"),
		PostsCount:    doc.Int64("postsCount"),
	}, nil
}

// Post is a reply to a question.
type Post struct {
	ID          string     `json:"id"`
	QuestionID  string     `json:"questionId"`
	Text        string     `json:"text"`
	AuthorID    string     `json:"authorId"`
	AuthorName  string     `json:"authorName"`
	AuthorPhoto string     `json:"authorPhoto"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	CreatedAtMs *int64     `json:"createdAtMs,omitempty"`
	Helpful     int64      `json:"helpful"`
}

// PostFromDocument decodes a posts document. questionId is required.
func PostFromDocument(doc docstore.Document) (Post, error) {
	questionID := doc.String("questionId")
	if questionID == "" {
		return Post{}, fmt.Errorf("%w: post %s has no questionId", ErrMalformed, doc.ID)
	}
	return Post{
		ID:          doc.ID,
		QuestionID:  questionID,
		Text:        doc.String("text"),
		AuthorID:    doc.String("authorId"),
		AuthorName:  doc.String("authorName"),
		AuthorPhoto: doc.String("authorPhoto"),
		CreatedAt:   timeField(doc, "createdAt"),
		CreatedAtMs: int64Field(doc, "createdAtMs"),
		Helpful:     doc.Int64("helpful"),
	}, nil
}

// Epoch returns CreatedAtMs, or 0 when it is missing.
func (p Post) Epoch() int64 {
	if p.CreatedAtMs == nil {
		return 0
	}
	return *p.CreatedAtMs
}

// Epoch returns CreatedAtMs, or 0 when it is missing.
func (q Question) Epoch() int64 {
	if q.CreatedAtMs == nil {
		return 0
	}
	return *q.CreatedAtMs
}
