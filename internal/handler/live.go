package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/sakif/homework-helper/internal/feed"
	"github.com/sakif/homework-helper/internal/model"
	"github.com/sakif/homework-helper/internal/service"
	"github.com/sakif/homework-helper/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Frame is what a live connection sends: the full current result, every time.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// LiveHandler streams live views over WebSocket.
//
// Each connection owns its subscriptions. They are opened after the upgrade
// and released exactly once when the connection ends, whichever side ends it.
//
// WHY TRACK CONNECTIONS?
// http.Server.Shutdown does not wait for hijacked connections, so without
// Shutdown here the store would close underneath live handlers that still
// hold subscriptions.
type LiveHandler struct {
	forum  *service.Forum
	loc    *time.Location
	logger *slog.Logger

	mu      sync.Mutex
	conns   map[*liveConn]struct{}
	closing bool
	active  sync.WaitGroup
}

// NewLiveHandler creates a LiveHandler.
func NewLiveHandler(forum *service.Forum, loc *time.Location, logger *slog.Logger) *LiveHandler {
	return &LiveHandler{
		forum:  forum,
		loc:    loc,
		logger: logger,
		conns:  make(map[*liveConn]struct{}),
	}
}

// Routes mounts the handlers on r.
func (h *LiveHandler) Routes(r chi.Router) {
	r.Get("/questions", h.tracked(h.HandleQuestions))
	r.Get("/questions/{id}/replies", h.tracked(h.HandleReplies))
	r.Get("/leaderboard", h.tracked(h.HandleLeaderboard))
	r.Get("/me/moderator", h.tracked(h.HandleModerator))
}

// Shutdown refuses new live connections, closes the open ones and waits
// until every live handler has returned and released its subscriptions.
// Calling it again only waits.
func (h *LiveHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*liveConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenConnections returns the number of live connections not yet ended.
func (h *LiveHandler) OpenConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// tracked counts next as active so Shutdown can wait for its deferred
// releases. The lock keeps active.Add from racing with active.Wait.
func (h *LiveHandler) tracked(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		if h.closing {
			h.mu.Unlock()
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
				Error:   "shutting_down",
				Message: "The server is shutting down",
			})
			return
		}
		h.active.Add(1)
		h.mu.Unlock()

		defer h.active.Done()
		next(w, r)
	}
}

// HandleQuestions streams the composed question feed.
//
// WS: GET /api/live/questions?classId=&q=
// The client changes its filter by sending {"classId": "...", "search": "..."}.
func (h *LiveHandler) HandleQuestions(w http.ResponseWriter, r *http.Request) {
	initial := feed.Filter{
		ClassID: r.URL.Query().Get("classId"),
		Search:  r.URL.Query().Get("q"),
	}
	lf, err := h.forum.WatchFeed(r.Context(), initial, h.loc)
	if err != nil {
		writeError(w, err)
		return
	}
	defer lf.Close()

	c, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	lf.OnChange(func(views []feed.QuestionView) { c.push(views) })
	go func() {
		select {
		case <-lf.Ready():
			c.pushInitial(lf.Current())
		case <-c.done:
		}
	}()

	c.run(func(msg []byte) {
		var f feed.Filter
		if err := json.Unmarshal(msg, &f); err != nil {
			h.logger.Debug("ignoring malformed filter message", slog.String("error", err.Error()))
			return
		}
		lf.SetFilter(f)
	})
}

// HandleReplies streams a question's replies, oldest first.
//
// WS: GET /api/live/questions/{id}/replies
func (h *LiveHandler) HandleReplies(w http.ResponseWriter, r *http.Request) {
	view, err := h.forum.WatchReplies(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer view.Close()

	c, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	view.OnChange(func(posts []model.Post) { c.push(feed.SortReplies(posts)) })
	go func() {
		select {
		case <-view.Ready():
			c.pushInitial(feed.SortReplies(view.Items()))
		case <-c.done:
		}
	}()
	c.run(nil)
}

// HandleLeaderboard streams the leaderboard.
//
// WS: GET /api/live/leaderboard
func (h *LiveHandler) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	view, err := h.forum.WatchLeaderboard(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	defer view.Close()

	c, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	view.OnChange(func(users []model.User) { c.push(service.RankAll(users)) })
	go func() {
		select {
		case <-view.Ready():
			c.pushInitial(service.RankAll(view.Items()))
		case <-c.done:
		}
	}()
	c.run(nil)
}

// HandleModerator streams whether the caller is a moderator. Anonymous
// callers get a single false.
//
// WS: GET /api/live/me/moderator
func (h *LiveHandler) HandleModerator(w http.ResponseWriter, r *http.Request) {
	flag := h.forum.WatchModerator(r.Context(), session.FromContext(r.Context()))
	if flag != nil {
		defer flag.Close()
	}

	c, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	if flag == nil {
		c.push(false)
	} else {
		flag.OnChange(func(v bool) { c.push(v) })
		go func() {
			select {
			case <-flag.Ready():
				c.pushInitial(flag.Value())
			case <-c.done:
			}
		}()
	}
	c.run(nil)
}

func (h *LiveHandler) upgrade(w http.ResponseWriter, r *http.Request) (*liveConn, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return nil, false
	}
	c := &liveConn{
		conn:   conn,
		logger: h.logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	closing := h.closing
	if !closing {
		h.conns[c] = struct{}{}
	}
	h.mu.Unlock()
	if closing {
		// Shutdown began during the upgrade and will not see c.
		c.shutdown()
	}

	c.release = func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
	}
	return c, true
}

// liveConn writes the latest snapshot to a WebSocket.
//
// Listeners run on subscription goroutines and must not block, so push only
// records the newest value and signals the writer. Snapshots that arrive
// faster than the client reads are skipped; each one replaces the last
// entirely, so the client never needs the skipped ones.
type liveConn struct {
	conn   *websocket.Conn
	logger *slog.Logger
	wake   chan struct{}
	done   chan struct{}

	release func()

	mu      sync.Mutex
	pending any
	has     bool
	pushed  bool
}

func (c *liveConn) push(v any) {
	c.mu.Lock()
	c.pending, c.has, c.pushed = v, true, true
	c.mu.Unlock()
	c.signal()
}

// pushInitial sends v unless a listener already delivered something, which
// is at least as new. The check and the store share one critical section so
// a listener push cannot slip in between and be overwritten.
func (c *liveConn) pushInitial(v any) {
	c.mu.Lock()
	if c.pushed {
		c.mu.Unlock()
		return
	}
	c.pending, c.has, c.pushed = v, true, true
	c.mu.Unlock()
	c.signal()
}

func (c *liveConn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// shutdown tells the client the server is going away and drops the
// connection, which ends run.
func (c *liveConn) shutdown() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.conn.Close()
}

func (c *liveConn) take() (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.pending, c.has
	c.pending, c.has = nil, false
	return v, ok
}

// run pumps until either side ends the connection. onMessage, when set,
// receives every text message from the client.
func (c *liveConn) run(onMessage func([]byte)) {
	go c.writePump()

	defer func() {
		close(c.done)
		c.conn.Close()
		if c.release != nil {
			c.release()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed", slog.String("error", err.Error()))
			}
			return
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func (c *liveConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
			v, ok := c.take()
			if !ok {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(Frame{Type: "snapshot", Data: v}); err != nil {
				c.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
