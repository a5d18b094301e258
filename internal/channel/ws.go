package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/bus"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/config"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/history"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsChannelName = "websocket"

// HistoryReader pages a user's stored conversation.
type HistoryReader interface {
	History(ctx context.Context, userID string, start, end int) ([]history.Message, error)
	Count(ctx context.Context, userID string) (int, error)
}

// Client frames.
const (
	wsTypeMessage = "message"
	wsTypeCancel  = "cancel"
)

type wsRequest struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id,omitempty"`
	Content string `json:"content,omitempty"`
}

type historyResponse struct {
	UserID   string            `json:"user_id"`
	Total    int               `json:"total"`
	Start    int               `json:"start"`
	Messages []history.Message `json:"messages"`
}

// WebSocketChannel serves /ws for streamed replies and /history for paging
// stored conversations. One connection speaks for one user.
type WebSocketChannel struct {
	BaseChannel
	addr    string
	history HistoryReader
	status  func() any

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	conns    sync.Map
	nextID   atomic.Int64
}

func NewWebSocketChannel(gwCfg config.GatewayConfig, h bus.Handler, hist HistoryReader) (*WebSocketChannel, error) {
	port := gwCfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	return &WebSocketChannel{
		BaseChannel: NewBaseChannel(wsChannelName, h, nil),
		addr:        net.JoinHostPort(gwCfg.Host, strconv.Itoa(port)),
		history:     hist,
	}, nil
}

// Handler exposes the routes for embedding in another server.
func (w *WebSocketChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handleWS)
	mux.HandleFunc("/history", w.handleHistory)
	mux.HandleFunc("/healthz", w.handleHealth)
	return mux
}

// SetStatus makes /healthz report fn's result as JSON. Call before Start.
func (w *WebSocketChannel) SetStatus(fn func() any) {
	w.status = fn
}

func (w *WebSocketChannel) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	if w.status == nil {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(w.status()); err != nil {
		log.Printf("[ws] encode status: %v", err)
	}
}

func (w *WebSocketChannel) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.addr, err)
	}
	srv := &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	w.mu.Lock()
	w.server, w.listener = srv, ln
	w.mu.Unlock()

	go func() {
		log.Printf("[websocket] listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[websocket] server error: %v", err)
		}
	}()
	return nil
}

// Addr is the bound listen address once started.
func (w *WebSocketChannel) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return w.addr
	}
	return w.listener.Addr().String()
}

func (w *WebSocketChannel) handleWS(rw http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[websocket] accept error: %v", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	connID := "ws-" + strconv.FormatInt(w.nextID.Add(1), 10)
	w.conns.Store(connID, conn)

	ctx, cancel := context.WithCancel(r.Context())
	var (
		replyMu sync.Mutex
		active  = make(map[int64]context.CancelFunc)
		nextRep int64
		replies sync.WaitGroup
	)
	defer func() {
		cancel()
		replies.Wait()
		w.conns.Delete(connID)
		conn.CloseNow()
		log.Printf("[websocket] %s disconnected", connID)
	}()
	log.Printf("[websocket] %s connected", connID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			w.writeError(ctx, conn, bus.CodeInvalidRequest)
			continue
		}

		switch req.Type {
		case wsTypeCancel:
			replyMu.Lock()
			for _, stop := range active {
				stop()
			}
			replyMu.Unlock()
			continue
		case wsTypeMessage:
		default:
			w.writeError(ctx, conn, bus.CodeInvalidRequest)
			continue
		}

		sender := userID
		if sender == "" {
			sender = strings.TrimSpace(req.UserID)
		}
		if sender == "" || strings.TrimSpace(req.Content) == "" || !w.IsAllowed(sender) {
			w.writeError(ctx, conn, bus.CodeInvalidRequest)
			continue
		}

		replyCtx, replyCancel := context.WithCancel(ctx)
		replyMu.Lock()
		nextRep++
		repID := nextRep
		active[repID] = replyCancel
		replyMu.Unlock()

		msg := bus.InboundMessage{
			Channel:   wsChannelName,
			SenderID:  sender,
			ChatID:    connID,
			Content:   req.Content,
			Timestamp: time.Now(),
		}
		replies.Add(1)
		go func() {
			defer replies.Done()
			defer func() {
				replyMu.Lock()
				delete(active, repID)
				replyMu.Unlock()
				replyCancel()
			}()
			err := w.Dispatch(replyCtx, msg, func(ev bus.Event) error {
				return wsjson.Write(ctx, conn, ev)
			})
			if err != nil {
				w.writeError(ctx, conn, errorCode(err))
			}
		}()
	}
}

func (w *WebSocketChannel) writeError(ctx context.Context, conn *websocket.Conn, code string) {
	_ = wsjson.Write(ctx, conn, bus.Event{Type: bus.EventError, Error: code})
}

// handleHistory serves GET /history?user=<id>&start=<n>&end=<n>. Indexes count
// from the oldest stored entry and end=-1 reads through the latest one.
func (w *WebSocketChannel) handleHistory(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user"))
	if userID == "" {
		http.Error(rw, "user is required", http.StatusBadRequest)
		return
	}
	start, err := intParam(q.Get("start"), 0)
	if err != nil {
		http.Error(rw, "bad start", http.StatusBadRequest)
		return
	}
	end, err := intParam(q.Get("end"), -1)
	if err != nil {
		http.Error(rw, "bad end", http.StatusBadRequest)
		return
	}

	total, err := w.history.Count(r.Context(), userID)
	if err != nil {
		log.Printf("[websocket] history count for %s: %v", userID, err)
		http.Error(rw, "history unavailable", http.StatusInternalServerError)
		return
	}
	msgs, err := w.history.History(r.Context(), userID, start, end)
	if err != nil {
		log.Printf("[websocket] history for %s: %v", userID, err)
		http.Error(rw, "history unavailable", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(historyResponse{
		UserID:   userID,
		Total:    total,
		Start:    start,
		Messages: msgs,
	})
}

func intParam(s string, fallback int) (int, error) {
	if strings.TrimSpace(s) == "" {
		return fallback, nil
	}
	return strconv.Atoi(s)
}

func (w *WebSocketChannel) Stop() error {
	w.mu.Lock()
	srv := w.server
	w.server = nil
	w.mu.Unlock()

	w.conns.Range(func(_, value any) bool {
		_ = value.(*websocket.Conn).Close(websocket.StatusGoingAway, "server shutting down")
		return true
	})
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[websocket] shutdown error: %v", err)
		}
	}
	log.Printf("[websocket] stopped")
	return nil
}
