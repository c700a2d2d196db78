// Package feed turns raw live lists into what the question feed shows.
//
// Compose is the whole algorithm and is pure: it joins questions to class
// names, applies the class filter and the search term, and sorts newest
// first. Composer re-runs it whenever one of its inputs changes.
package feed

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/sakif/homework-helper/internal/model"
)

// DisplayLayout is how DisplayTime renders a timestamp.
const DisplayLayout = "Jan 2, 2006 3:04 PM"

// UnknownClass is shown for questions whose class is not (or no longer) listed.
const UnknownClass = "Class"

// Filter is the per-viewer input of the feed. Zero value shows everything.
type Filter struct {
	ClassID string `json:"classId"`
	Search  string `json:"search"`
}

// QuestionView is a question prepared for display.
type QuestionView struct {
	model.Question
	ClassName   string `json:"className"`
	DisplayTime string `json:"displayTime"`
}

// Compose builds the feed. Questions keep their relative order when epochs
// tie; a missing epoch sorts as 0, i.e. oldest.
func Compose(questions []model.Question, classes []model.Class, f Filter, loc *time.Location) []QuestionView {
	names := make(map[string]string, len(classes))
	for _, c := range classes {
		names[c.ID] = c.Name
	}

	term := strings.ToLower(strings.TrimSpace(f.Search))

	out := make([]QuestionView, 0, len(questions))
	for _, q := range questions {
		if f.ClassID != "" && q.ClassID != f.ClassID {
			continue
		}
		if term != "" && !matches(q, term) {
			continue
		}

		name, ok := names[q.ClassID]
		if !ok {
			name = UnknownClass
		}
		out = append(out, QuestionView{
			Question:    q,
			ClassName:   name,
			DisplayTime: DisplayTime(q.CreatedAt, q.CreatedAtMs, loc),
		})
	}

	slices.SortStableFunc(out, func(a, b QuestionView) int {
		return cmp.Compare(b.Epoch(), a.Epoch())
	})
	return out
}

// matches reports whether the lowercased term occurs in the title or body.
func matches(q model.Question, term string) bool {
	return strings.Contains(strings.ToLower(q.Title), term) ||
		strings.Contains(strings.ToLower(q.Body), term)
}

// DisplayTime formats a creation time in loc. The server timestamp wins when
// present, then the epoch in milliseconds; with neither the result is "".
func DisplayTime(server *time.Time, epochMs *int64, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	switch {
	case server != nil:
		return server.In(loc).Format(DisplayLayout)
	case epochMs != nil:
		return time.UnixMilli(*epochMs).In(loc).Format(DisplayLayout)
	default:
		return ""
	}
}

// SortReplies returns the replies oldest first by epoch. The input is not modified.
func SortReplies(posts []model.Post) []model.Post {
	out := slices.Clone(posts)
	slices.SortStableFunc(out, func(a, b model.Post) int {
		return cmp.Compare(a.Epoch(), b.Epoch())
	})
	return out
}
