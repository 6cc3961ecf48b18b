package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/studypulse/internal/metrics"
	"github.com/hitoshi/studypulse/internal/middleware"
	"github.com/hitoshi/studypulse/internal/model"
	"github.com/hitoshi/studypulse/internal/security"
)

// --- モック定義 ---

type trackerEvent struct {
	kind      string
	accountID string
	page      string
	pageID    string
	connID    string
}

type fakeTracker struct {
	mu         sync.Mutex
	registered map[string]string
	events     chan trackerEvent
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		registered: make(map[string]string),
		events:     make(chan trackerEvent, 32),
	}
}

func (f *fakeTracker) Register(connectionID, accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[connectionID] = accountID
}

func (f *fakeTracker) OnPageEnter(ctx context.Context, accountID, page, pageID, connectionID string) {
	f.events <- trackerEvent{kind: "enter", accountID: accountID, page: page, pageID: pageID, connID: connectionID}
}

func (f *fakeTracker) OnPageLeave(ctx context.Context, accountID, page, pageID, connectionID string) {
	f.events <- trackerEvent{kind: "leave", accountID: accountID, page: page, pageID: pageID, connID: connectionID}
}

func (f *fakeTracker) OnConnectionDrop(ctx context.Context, connectionID string) {
	f.events <- trackerEvent{kind: "drop", connID: connectionID}
}

func (f *fakeTracker) accountFor(connID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[connID]
}

type connMetrics struct {
	metrics.Nop
	mu     sync.Mutex
	opened int
	closed int
}

func (m *connMetrics) PushConnectionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *connMetrics) PushConnectionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *connMetrics) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened, m.closed
}

// --- ヘルパー ---

// newPresenceServer は認証済みアカウントを注入したプッシュ接続サーバーを起動する。
func newPresenceServer(t *testing.T, h *PresenceHandler, accountID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := middleware.ContextWithAccount(r.Context(), &model.Account{ID: accountID})
		h.Serve(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialPresence(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}
	return conn
}

func waitEvent(t *testing.T, events <-chan trackerEvent) trackerEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tracker event")
		return trackerEvent{}
	}
}

// --- テスト ---

func TestPresenceHandler_JoinLeaveAndDrop(t *testing.T) {
	tracker := newFakeTracker()
	mc := &connMetrics{}
	h := NewPresenceHandler(tracker, security.NewTextSanitizer(), mc, PresenceHandlerConfig{})
	srv := newPresenceServer(t, h, "acc-1")

	conn := dialPresence(t, srv)

	if err := conn.WriteJSON(map[string]string{"type": "joinPage", "page": "Course", "pageId": "c-1"}); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	enter := waitEvent(t, tracker.events)
	if enter.kind != "enter" || enter.accountID != "acc-1" || enter.page != "course" || enter.pageID != "c-1" {
		t.Errorf("enter = %+v", enter)
	}
	if enter.connID == "" || tracker.accountFor(enter.connID) != "acc-1" {
		t.Errorf("connection %q not registered for acc-1", enter.connID)
	}

	if err := conn.WriteJSON(map[string]string{"type": "leavePage", "page": "course", "pageId": "c-1"}); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	leave := waitEvent(t, tracker.events)
	if leave.kind != "leave" || leave.connID != enter.connID {
		t.Errorf("leave = %+v", leave)
	}

	conn.Close()
	drop := waitEvent(t, tracker.events)
	if drop.kind != "drop" || drop.connID != enter.connID {
		t.Errorf("drop = %+v", drop)
	}

	deadline := time.Now().Add(3 * time.Second)
	for h.OpenConnections() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := h.OpenConnections(); n != 0 {
		t.Errorf("open connections = %d, want 0", n)
	}
	if opened, closed := mc.counts(); opened != 1 || closed != 1 {
		t.Errorf("opened/closed = %d/%d, want 1/1", opened, closed)
	}
}

func TestPresenceHandler_RejectsInvalidFrames(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"not json", `hello`, "invalid message"},
		{"missing page", `{"type":"joinPage","pageId":"x"}`, "page is required"},
		{"markup only page", `{"type":"joinPage","page":"<b></b>"}`, "page is required"},
		{"unknown type", `{"type":"scroll","page":"course"}`, "unknown message type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newFakeTracker()
			h := NewPresenceHandler(tracker, security.NewTextSanitizer(), nil, PresenceHandlerConfig{})
			srv := newPresenceServer(t, h, "acc-1")
			conn := dialPresence(t, srv)
			defer conn.Close()

			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.message)); err != nil {
				t.Fatalf("failed to write: %v", err)
			}

			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			var reply presenceReply
			if err := conn.ReadJSON(&reply); err != nil {
				t.Fatalf("failed to read reply: %v", err)
			}
			if reply.Type != "error" || reply.Message != tt.want {
				t.Errorf("reply = %+v, want error %q", reply, tt.want)
			}

			select {
			case ev := <-tracker.events:
				t.Errorf("unexpected tracker event %+v", ev)
			default:
			}
		})
	}
}

func TestPresenceHandler_RateLimitsEvents(t *testing.T) {
	tracker := newFakeTracker()
	h := NewPresenceHandler(tracker, security.NewTextSanitizer(), nil, PresenceHandlerConfig{EventRate: 0.5})
	srv := newPresenceServer(t, h, "acc-1")
	conn := dialPresence(t, srv)
	defer conn.Close()

	// バースト1を超えた2件目は拒否される
	for i := 0; i < 2; i++ {
		if err := conn.WriteJSON(map[string]string{"type": "joinPage", "page": "todo"}); err != nil {
			t.Fatalf("failed to write: %v", err)
		}
	}

	if ev := waitEvent(t, tracker.events); ev.kind != "enter" {
		t.Errorf("first event = %+v, want enter", ev)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var reply presenceReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	if reply.Message != "rate limited" {
		t.Errorf("reply = %+v, want rate limited", reply)
	}
}

func TestPresenceHandler_ShutdownClosesConnections(t *testing.T) {
	tracker := newFakeTracker()
	h := NewPresenceHandler(tracker, security.NewTextSanitizer(), nil, PresenceHandlerConfig{})
	srv := newPresenceServer(t, h, "acc-1")
	conn := dialPresence(t, srv)
	defer conn.Close()

	// 接続が登録されるのを待つ
	deadline := time.Now().Add(3 * time.Second)
	for h.OpenConnections() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if ev := waitEvent(t, tracker.events); ev.kind != "drop" {
		t.Errorf("event = %+v, want drop", ev)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read error = %v, want close going away", err)
	}

	// シャットダウン後の接続は拒否される
	late := dialPresence(t, srv)
	defer late.Close()
	_ = late.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := late.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("late read error = %v, want close going away", err)
	}
}

// blockingEnterTracker はOnPageEnterをreleaseが閉じられるまで止める。
type blockingEnterTracker struct {
	*fakeTracker
	entering chan struct{}
	release  chan struct{}
}

func (b *blockingEnterTracker) OnPageEnter(ctx context.Context, accountID, page, pageID, connectionID string) {
	close(b.entering)
	<-b.release
	b.fakeTracker.OnPageEnter(ctx, accountID, page, pageID, connectionID)
}

func TestPresenceHandler_ShutdownWaitsForInFlightEnter(t *testing.T) {
	tracker := &blockingEnterTracker{
		fakeTracker: newFakeTracker(),
		entering:    make(chan struct{}),
		release:     make(chan struct{}),
	}
	h := NewPresenceHandler(tracker, security.NewTextSanitizer(), nil, PresenceHandlerConfig{})
	srv := newPresenceServer(t, h, "acc-1")
	conn := dialPresence(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "joinPage", "page": "course", "pageId": "c-1"}); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	select {
	case <-tracker.entering:
	case <-time.After(3 * time.Second):
		t.Fatal("joinPage was not dispatched")
	}

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- h.Shutdown(ctx)
	}()

	// 入室の記録が終わるまで切断処理は走らない
	select {
	case ev := <-tracker.events:
		t.Fatalf("event before enter completed: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	close(tracker.release)

	if ev := waitEvent(t, tracker.events); ev.kind != "enter" {
		t.Fatalf("first event = %+v, want enter", ev)
	}
	if ev := waitEvent(t, tracker.events); ev.kind != "drop" {
		t.Fatalf("second event = %+v, want drop", ev)
	}
	if err := <-shutdownErr; err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestPresenceHandler_RequiresAccount(t *testing.T) {
	h := NewPresenceHandler(newFakeTracker(), security.NewTextSanitizer(), nil, PresenceHandlerConfig{})

	w := httptest.NewRecorder()
	h.Serve(w, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestPresenceHandler_CheckOrigin(t *testing.T) {
	h := NewPresenceHandler(newFakeTracker(), security.NewTextSanitizer(), nil, PresenceHandlerConfig{
		AllowedOrigin: "http://localhost:3000",
	})

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin", "", true},
		{"allowed origin", "http://localhost:3000", true},
		{"same origin", "http://api.example.com", true},
		{"other origin", "http://evil.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://api.example.com/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := h.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
