// Package model defines the data structures used throughout the application.
//
// Entities live in the document store as field maps. The FromDocument
// functions turn a stored docstore.Document into a typed struct; the JSON
// tags decide how the API shows them to clients.
package model

import (
	"time"

	"github.com/sakif/homework-helper/internal/docstore"
)

// Collection names.
const (
	Users      = "users"
	Classes    = "classes"
	Questions  = "questions"
	Posts      = "posts"
	Moderators = "moderators"
)

// Identity is what the identity provider knows about a signed-in person.
// UID is the provider's stable subject and doubles as the users document ID.
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	PhotoURL    string `json:"photoURL"`
}

// User is a forum member.
//
// WHY Points int64?
// Points only ever move through server-side increments, and JSON numbers are
// decoded as json.Number, so int64 reads them exactly.
//
// CreatedAt and UpdatedAt are pointers: a server timestamp may still be
// missing right after a write, and nil says so honestly where a zero
// time.Time would print as year 1.
type User struct {
	UID         string     `json:"uid"`
	DisplayName string     `json:"displayName"`
	Username    string     `json:"username,omitempty"`
	Email       string     `json:"email"`
	PhotoURL    string     `json:"photoURL"`
	Points      int64      `json:"points"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// Rank returns the user's tier.
func (u User) Rank() Rank {
	return RankFor(u.Points)
}

// UserFromDocument decodes a users document. Every field is optional.
func UserFromDocument(doc docstore.Document) (User, error) {
	u := User{
		UID:         doc.ID,
		DisplayName: doc.String("displayName"),
		Username:    doc.String("username"),
		Email:       doc.String("email"),
		PhotoURL:    doc.String("photoURL"),
		Points:      doc.Int64("points"),
		CreatedAt:   timeField(doc, "createdAt"),
		UpdatedAt:   timeField(doc, "updatedAt"),
	}
	return u, nil
}

func timeField(doc docstore.Document, key string) *time.Time {
	t, ok := doc.Time(key)
	if !ok {
		return nil
	}
	return &t
}

func int64Field(doc docstore.Document, key string) *int64 {
	n, ok := doc.OptionalInt64(key)
	if !ok {
		return nil
	}
	return &n
}
