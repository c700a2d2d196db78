// Package handler contains the HTTP and WebSocket handlers of the forum API.
//
// HANDLER RESPONSIBILITIES:
//  1. Parse the incoming request (path params, query, body)
//  2. Take the caller's session.Session from the request context and pass it
//     on explicitly
//  3. Call the service and write the response
//
// Handlers hold no business rules. Who may do what is decided in
// internal/service.
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/homework-helper/internal/apperror"
	"github.com/sakif/homework-helper/internal/feed"
	"github.com/sakif/homework-helper/internal/service"
	"github.com/sakif/homework-helper/internal/session"
)

// ForumHandler serves the JSON API for classes, questions, replies and users.
type ForumHandler struct {
	forum     *service.Forum
	loc       *time.Location
	maxUpload int64
	logger    *slog.Logger
}

// NewForumHandler creates a ForumHandler. Display times are formatted in loc;
// question uploads larger than maxUpload bytes are refused.
func NewForumHandler(forum *service.Forum, loc *time.Location, maxUpload int64, logger *slog.Logger) *ForumHandler {
	return &ForumHandler{
		forum:     forum,
		loc:       loc,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// Routes mounts the handlers on r.
func (h *ForumHandler) Routes(r chi.Router) {
	r.Get("/classes", h.HandleListClasses)
	r.Post("/classes", h.HandleCreateClass)
	r.Delete("/classes/{id}", h.HandleDeleteClass)

	r.Get("/questions", h.HandleListQuestions)
	r.Post("/questions", h.HandleCreateQuestion)
	r.Get("/questions/{id}", h.HandleGetQuestion)
	r.Delete("/questions/{id}", h.HandleDeleteQuestion)
	r.Get("/questions/{id}/replies", h.HandleListReplies)
	r.Post("/questions/{id}/replies", h.HandleAddReply)

	r.Delete("/replies/{id}", h.HandleDeleteReply)
	r.Post("/replies/{id}/helpful", h.HandleMarkHelpful)

	r.Get("/leaderboard", h.HandleLeaderboard)
	r.Get("/me", h.HandleMe)
	r.Put("/me/username", h.HandleUpdateUsername)
	r.Get("/me/moderator", h.HandleIsModerator)

	r.Post("/admin/repair", h.HandleRepairOrphans)
}

// =========================================================================
// CLASSES
// =========================================================================

// HandleListClasses returns every class.
//
// HTTP: GET /api/classes
func (h *ForumHandler) HandleListClasses(w http.ResponseWriter, r *http.Request) {
	classes, err := h.forum.ListClasses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, classes)
}

// HandleCreateClass adds a class.
//
// HTTP: POST /api/classes
// REQUEST BODY: {"name": "Algebra II"}
func (h *ForumHandler) HandleCreateClass(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	class, err := h.forum.CreateClass(r.Context(), session.FromContext(r.Context()), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, class)
}

// HandleDeleteClass removes a class that has no questions.
//
// HTTP: DELETE /api/classes/{id}
// A class with questions is refused with 409 and stays.
func (h *ForumHandler) HandleDeleteClass(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.forum.DeleteClass(r.Context(), session.FromContext(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =========================================================================
// QUESTIONS
// =========================================================================

// HandleListQuestions returns the composed question feed.
//
// HTTP: GET /api/questions?classId=abc&q=algebra
func (h *ForumHandler) HandleListQuestions(w http.ResponseWriter, r *http.Request) {
	filter := feed.Filter{
		ClassID: r.URL.Query().Get("classId"),
		Search:  r.URL.Query().Get("q"),
	}
	views, err := h.forum.ListQuestions(r.Context(), filter, h.loc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleCreateQuestion posts a question.
//
// HTTP: POST /api/questions
// Either a JSON body {"title","body","classId"} or a multipart form with the
// same fields plus an optional "attachment" file.
func (h *ForumHandler) HandleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	if err := s.Require(); err != nil {
		writeError(w, err)
		return
	}

	var in service.QuestionInput
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeError(w, apperror.ValidationFailed("attachment", "Attachment is too large"))
				return
			}
			writeError(w, apperror.ValidationFailed("body", "Invalid form"))
			return
		}
		defer r.MultipartForm.RemoveAll()

		in.Title = r.FormValue("title")
		in.Body = r.FormValue("body")
		in.ClassID = r.FormValue("classId")

		file, header, err := r.FormFile("attachment")
		switch {
		case err == nil:
			defer file.Close()
			in.Attachment = &service.Attachment{
				Name:        header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Size:        header.Size,
				Body:        file,
			}
		case errors.Is(err, http.ErrMissingFile):
		default:
			writeError(w, apperror.ValidationFailed("attachment", "Invalid attachment"))
			return
		}
	} else {
		var req struct {
			Title   string `json:"title"`
			Body    string `json:"body"`
			ClassID string `json:"classId"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		in = service.QuestionInput{Title: req.Title, Body: req.Body, ClassID: req.ClassID}
	}

	q, err := h.forum.CreateQuestion(r.Context(), s, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

// HandleGetQuestion returns one question.
//
// HTTP: GET /api/questions/{id}
func (h *ForumHandler) HandleGetQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := h.forum.GetQuestion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// HandleDeleteQuestion deletes a question with all of its replies.
//
// HTTP: DELETE /api/questions/{id}
// A 503 "partial_delete" means some replies survived; repeating the request
// finishes the delete.
func (h *ForumHandler) HandleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.forum.DeleteQuestion(r.Context(), session.FromContext(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =========================================================================
// REPLIES
// =========================================================================

// HandleListReplies returns a question's replies, oldest first.
//
// HTTP: GET /api/questions/{id}/replies
func (h *ForumHandler) HandleListReplies(w http.ResponseWriter, r *http.Request) {
	posts, err := h.forum.ListReplies(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

// HandleAddReply posts a reply.
//
// HTTP: POST /api/questions/{id}/replies
// REQUEST BODY: {"text": "Try factoring first."}
func (h *ForumHandler) HandleAddReply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	post, err := h.forum.AddReply(r.Context(), session.FromContext(r.Context()), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

// HandleDeleteReply deletes one reply.
//
// HTTP: DELETE /api/replies/{id}
func (h *ForumHandler) HandleDeleteReply(w http.ResponseWriter, r *http.Request) {
	if err := h.forum.DeleteReply(r.Context(), session.FromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMarkHelpful awards the reply's author points.
//
// HTTP: POST /api/replies/{id}/helpful
//
// The handler waits for both writes to settle so it can report a failure.
// If the client goes away first, the writes still complete.
func (h *ForumHandler) HandleMarkHelpful(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	future := h.forum.MarkHelpful(r.Context(), session.FromContext(r.Context()), id)

	if err := future.Wait(r.Context()); err != nil {
		if r.Context().Err() != nil {
			h.logger.Debug("client left before mark-helpful settled", slog.String("post_id", id))
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =========================================================================
// USERS
// =========================================================================

// HandleLeaderboard returns the top users with their ranks.
//
// HTTP: GET /api/leaderboard
func (h *ForumHandler) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := h.forum.Leaderboard(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// HandleMe returns the caller's profile, points and rank.
//
// HTTP: GET /api/me
func (h *ForumHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	p, err := h.forum.Profile(r.Context(), session.FromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleUpdateUsername renames the caller.
//
// HTTP: PUT /api/me/username
// REQUEST BODY: {"username": "ada"}
func (h *ForumHandler) HandleUpdateUsername(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.forum.UpdateUsername(r.Context(), session.FromContext(r.Context()), req.Username); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Username saved"})
}

// HandleIsModerator reports whether the caller is a moderator. Anonymous
// callers and failed lookups get false, never an error.
//
// HTTP: GET /api/me/moderator
func (h *ForumHandler) HandleIsModerator(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"moderator": h.forum.IsModerator(r.Context(), session.FromContext(r.Context())),
	})
}

// HandleRepairOrphans removes replies whose question is gone.
//
// HTTP: POST /api/admin/repair
func (h *ForumHandler) HandleRepairOrphans(w http.ResponseWriter, r *http.Request) {
	n, err := h.forum.RepairOrphans(r.Context(), session.FromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}
