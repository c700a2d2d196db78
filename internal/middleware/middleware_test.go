package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/homework-helper/internal/model"
	"github.com/sakif/homework-helper/internal/session"
)

func TestBoundary_ReturnsRawPanic(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	h := Boundary(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("index out of range [3] with length 2")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/questions", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "index out of range [3] with length 2", body["message"])
	assert.Contains(t, logs.String(), "panic in handler")
}

func TestBoundary_PassesThroughWithoutPanic(t *testing.T) {
	h := Boundary(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestLogger_RecordsStatusAndUID(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	h := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/classes", nil)
	req = req.WithContext(session.NewContext(req.Context(), session.For(model.Identity{UID: "ada"})))
	h.ServeHTTP(httptest.NewRecorder(), req)

	line := logs.String()
	assert.True(t, strings.Contains(line, "status=201"), line)
	assert.True(t, strings.Contains(line, "uid=ada"), line)
	assert.True(t, strings.Contains(line, "bytes=2"), line)
}

func TestResponseWriter_HijackUnsupported(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	assert.Error(t, err)
}
