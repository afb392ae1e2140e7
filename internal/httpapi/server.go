package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/wechatbot/internal/bot"
	"github.com/ent0n29/wechatbot/internal/config"
	"github.com/ent0n29/wechatbot/internal/observability"
	"github.com/ent0n29/wechatbot/internal/protocol"
)

// DialogStarter starts proactive dialogs.
type DialogStarter interface {
	HasDialog(dialogID string) bool
	BeginDialog(ctx context.Context, addr bot.DialogAddress, dialogID string, args any, reply bot.ReplyFunc) (bot.Outcome, error)
}

// EventSource streams out-of-band turn events.
type EventSource interface {
	Subscribe(userID string) (<-chan protocol.TurnEvent, func())
}

// Status is reported by the health endpoints.
type Status struct {
	StoreMode       string
	TranscriberMode string
	OutboundEnabled bool
	Encrypted       bool
}

// Deps are the collaborators the router serves.
type Deps struct {
	Webhook http.Handler
	Dialogs DialogStarter
	Events  EventSource
	Metrics *observability.Metrics
	Logger  *slog.Logger
	Status  Status
}

type Server struct {
	cfg      config.Config
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
	// background tracks fire-and-forget dialogs so shutdown can wait on them.
	background sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may watch the event feed unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	if s.deps.Webhook != nil {
		r.Get(s.cfg.WebhookPath, s.deps.Webhook.ServeHTTP)
		r.Post(s.cfg.WebhookPath, s.deps.Webhook.ServeHTTP)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/turns", s.handlePerfTurns)
	r.Post("/v1/dialogs/begin", s.handleBeginDialog)
	r.Get("/v1/events/ws", s.handleEventsWS)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	return r
}

// Wait blocks until background dialogs started without wait=true finish or
// ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.deps.Status.StoreMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Status
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"store_mode":       st.StoreMode,
		"transcriber_mode": st.TranscriberMode,
		"outbound_enabled": st.OutboundEnabled,
		"encrypted":        st.Encrypted,
	})
}

type beginDialogRequest struct {
	Address        string `json:"address"`
	Channel        string `json:"channel_id"`
	ConversationID string `json:"conversation_id"`
	DialogID       string `json:"dialog_id"`
	Args           any    `json:"args"`
	// Wait holds the response until the first reply or the error that ended
	// the turn.
	Wait bool `json:"wait"`
}

type beginDialogResponse struct {
	Status  string     `json:"status"`
	TurnID  string     `json:"turn_id,omitempty"`
	Outcome string     `json:"outcome,omitempty"`
	Replies int        `json:"replies,omitempty"`
	Reply   *bot.Reply `json:"reply,omitempty"`
}

func (s *Server) handleBeginDialog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dialogs == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "dialogs not configured")
		return
	}
	var req beginDialogRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	dialogID := strings.TrimSpace(req.DialogID)
	if dialogID == "" {
		dialogID = s.cfg.DefaultDialogID
	}
	if !s.deps.Dialogs.HasDialog(dialogID) {
		respondError(w, http.StatusNotFound, "unknown_dialog", "dialog "+dialogID+" is not registered")
		return
	}
	addr := bot.DialogAddress{
		Channel:        strings.TrimSpace(req.Channel),
		Address:        strings.TrimSpace(req.Address),
		ConversationID: strings.TrimSpace(req.ConversationID),
	}

	if !req.Wait {
		ctx := context.WithoutCancel(r.Context())
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			if _, err := s.deps.Dialogs.BeginDialog(ctx, addr, dialogID, req.Args, nil); err != nil {
				s.logger.Warn("begin dialog failed", "dialog_id", dialogID, "err", err)
			}
		}()
		respondJSON(w, http.StatusAccepted, beginDialogResponse{Status: "accepted"})
		return
	}

	var (
		mu       sync.Mutex
		first    *bot.Reply
		replyErr error
	)
	out, err := s.deps.Dialogs.BeginDialog(r.Context(), addr, dialogID, req.Args, func(reply bot.Reply, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			replyErr = err
			return
		}
		first = &reply
	})
	if errors.Is(err, bot.ErrUnknownDialog) {
		respondError(w, http.StatusNotFound, "unknown_dialog", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "begin_failed", err.Error())
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if replyErr != nil {
		respondError(w, http.StatusBadGateway, "turn_failed", replyErr.Error())
		return
	}
	respondJSON(w, http.StatusOK, beginDialogResponse{
		Status:  "done",
		TurnID:  out.TurnID,
		Outcome: string(out.Kind),
		Replies: out.Replies,
		Reply:   first,
	})
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event stream not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	filters := make(chan string)
	outbound := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeEvents(ctx, conn, strings.TrimSpace(r.URL.Query().Get("user_id")), filters, outbound)
		cancel()
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.queue(outbound, protocol.TurnEvent{
				Type:   protocol.TypeError,
				Detail: "invalid client message: " + err.Error(),
				TSMs:   time.Now().UnixMilli(),
			})
			continue
		}
		switch msg := parsed.(type) {
		case protocol.Subscribe:
			select {
			case <-ctx.Done():
				break readLoop
			case filters <- msg.UserID:
			}
		case protocol.Ping:
			s.queue(outbound, protocol.Pong{Type: protocol.TypePong, TSMs: time.Now().UnixMilli()})
		}
	}

	cancel()
	<-writerDone
}

// queue keeps websocket writes on the writer goroutine; replies are dropped
// when its queue is saturated.
func (s *Server) queue(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
	}
}

// writeEvents owns every write to conn, including the subscription, so a
// filter change never races a publish.
func (s *Server) writeEvents(ctx context.Context, conn *websocket.Conn, userID string, filters <-chan string, outbound <-chan any) {
	events, unsubscribe := s.deps.Events.Subscribe(userID)
	defer func() { unsubscribe() }()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v) == nil
	}
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-filters:
			unsubscribe()
			events, unsubscribe = s.deps.Events.Subscribe(f)
		case msg := <-outbound:
			if !write(msg) {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !write(ev) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
