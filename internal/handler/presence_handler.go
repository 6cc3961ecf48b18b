package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/hitoshi/studypulse/internal/metrics"
	"github.com/hitoshi/studypulse/internal/middleware"
	"github.com/hitoshi/studypulse/internal/model"
	"github.com/hitoshi/studypulse/internal/presence"
	"github.com/hitoshi/studypulse/internal/security"
)

const (
	maxPageLabelRunes = 64
	maxPageIDRunes    = 256
)

// PresenceTracker はプッシュ接続ハンドラーが必要とするトラッカーのインターフェース。
type PresenceTracker interface {
	Register(connectionID, accountID string)
	OnPageEnter(ctx context.Context, accountID, page, pageID, connectionID string)
	OnPageLeave(ctx context.Context, accountID, page, pageID, connectionID string)
	OnConnectionDrop(ctx context.Context, connectionID string)
}

// PresenceHandlerConfig はプッシュ接続の設定。
type PresenceHandlerConfig struct {
	AllowedOrigin string
	EventRate     float64 // 1接続あたりの毎秒イベント数
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	ReadLimit     int64
}

// DefaultPresenceHandlerConfig はデフォルト設定を返す。
func DefaultPresenceHandlerConfig() PresenceHandlerConfig {
	return PresenceHandlerConfig{
		EventRate:    5,
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		ReadLimit:    4 << 10,
	}
}

// presenceFrame はクライアントから届くメッセージ。
type presenceFrame struct {
	Type   string `json:"type"`
	Page   string `json:"page"`
	PageID string `json:"pageId"`
}

// presenceReply はサーバーから送るメッセージ。
type presenceReply struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// PresenceHandler はプッシュ接続（WebSocket）を受け付け、ページの入退室をトラッカーに渡す。
type PresenceHandler struct {
	tracker   PresenceTracker
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
	config    PresenceHandlerConfig
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*websocket.Conn
	closing chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewPresenceHandler はPresenceHandlerを生成する。mcがnilの場合はメトリクスを記録しない。
func NewPresenceHandler(tracker PresenceTracker, sanitizer security.TextSanitizer, mc metrics.MetricsCollector, config PresenceHandlerConfig) *PresenceHandler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	defaults := DefaultPresenceHandlerConfig()
	if config.EventRate <= 0 {
		config.EventRate = defaults.EventRate
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = defaults.ReadLimit
	}

	h := &PresenceHandler{
		tracker:   tracker,
		sanitizer: sanitizer,
		metrics:   mc,
		config:    config,
		conns:     make(map[string]*websocket.Conn),
		closing:   make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// checkOrigin は設定されたオリジンまたは同一オリジンからの接続のみ許可する。
// Originヘッダーのないクライアント（ブラウザ以外）は許可する。
func (h *PresenceHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.config.AllowedOrigin != "" && strings.EqualFold(origin, h.config.AllowedOrigin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Serve はプッシュ接続を確立し、切断されるまでイベントを処理する。
// GET /ws
func (h *PresenceHandler) Serve(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromContext(r.Context())
	if accountID == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidSessionError(model.SessionLoggedOut))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("failed to upgrade push connection",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return
	}

	connID := uuid.New().String()
	if !h.track(connID, ws) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}
	// 接続の終了処理はリクエストのキャンセルに影響されないようにする
	ctx := context.WithoutCancel(r.Context())

	h.tracker.Register(connID, accountID)
	h.metrics.PushConnectionOpened()
	slog.Info("push connection opened",
		slog.String("account_id", accountID),
		slog.String("connection_id", connID),
	)

	replies := make(chan presenceReply, 8)
	done := make(chan struct{})
	limiter := rate.NewLimiter(rate.Limit(h.config.EventRate), max(1, int(h.config.EventRate*2)))

	defer func() {
		h.untrack(connID)
		ws.Close()
		// 処理中のフレームが記録を終えてから区間を閉じる
		<-done
		h.tracker.OnConnectionDrop(ctx, connID)
		h.metrics.PushConnectionClosed()
		slog.Info("push connection closed",
			slog.String("account_id", accountID),
			slog.String("connection_id", connID),
		)
		h.wg.Done()
	}()

	ws.SetReadLimit(h.config.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go func() {
		defer close(done)
		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
					slog.Warn("push connection read error",
						slog.String("connection_id", connID),
						slog.String("error", err.Error()),
					)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			if reply, ok := h.handleFrame(ctx, limiter, accountID, connID, message); ok {
				select {
				case replies <- reply:
				default:
				}
			}
		}
	}()

	pingTicker := time.NewTicker(h.config.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case reply := <-replies:
			if err := ws.WriteJSON(reply); err != nil {
				slog.Warn("push connection write error",
					slog.String("connection_id", connID),
					slog.String("error", err.Error()),
				)
				return
			}
		case <-pingTicker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				slog.Debug("push connection ping failed",
					slog.String("connection_id", connID),
					slog.String("error", err.Error()),
				)
				return
			}
		case <-h.closing:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case <-done:
			return
		}
	}
}

// handleFrame は1件のクライアントメッセージを処理する。返信が必要な場合はokがtrue。
func (h *PresenceHandler) handleFrame(ctx context.Context, limiter *rate.Limiter, accountID, connID string, message []byte) (presenceReply, bool) {
	if !limiter.Allow() {
		slog.Warn("push event rate limited",
			slog.String("account_id", accountID),
			slog.String("connection_id", connID),
		)
		return presenceReply{Type: "error", Message: "rate limited"}, true
	}

	var frame presenceFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return presenceReply{Type: "error", Message: "invalid message"}, true
	}

	page := strings.ToLower(h.sanitizer.Clean(frame.Page, maxPageLabelRunes))
	pageID := h.sanitizer.Clean(frame.PageID, maxPageIDRunes)
	if page == "" {
		return presenceReply{Type: "error", Message: "page is required"}, true
	}

	switch frame.Type {
	case presence.EventJoinPage:
		h.tracker.OnPageEnter(ctx, accountID, page, pageID, connID)
	case presence.EventLeavePage:
		h.tracker.OnPageLeave(ctx, accountID, page, pageID, connID)
	default:
		return presenceReply{Type: "error", Message: "unknown message type"}, true
	}
	return presenceReply{}, false
}

func (h *PresenceHandler) track(connID string, ws *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[connID] = ws
	h.wg.Add(1)
	return true
}

func (h *PresenceHandler) untrack(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connID)
}

// OpenConnections は現在開いているプッシュ接続の数を返す。
func (h *PresenceHandler) OpenConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown は全てのプッシュ接続を閉じ、各接続の切断処理が終わるかctxが終了するまで待つ。
// 呼び出し後の新しい接続は拒否される。
func (h *PresenceHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.closing)
	}
	h.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		// 応答しない接続は強制的に閉じる
		h.mu.Lock()
		for _, ws := range h.conns {
			ws.Close()
		}
		h.mu.Unlock()
		return ctx.Err()
	}
}
