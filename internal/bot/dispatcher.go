package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/wechatbot/internal/observability"
	"github.com/ent0n29/wechatbot/internal/policy"
	"github.com/ent0n29/wechatbot/internal/reliability"
	"github.com/ent0n29/wechatbot/internal/state"
)

// Reply delivery routes, used for metrics and logs.
const (
	routeCallback  = "callback"
	routeTransport = "transport"
	routeDropped   = "dropped"
	routeStateOnly = "state_only"
)

// Defaults are the dialog a reactive (webhook driven) turn starts when the
// user has no active session.
type Defaults struct {
	DialogID   string
	DialogArgs any
}

// Request describes one dispatch.
type Request struct {
	UserID          string
	Message         Message
	Reply           ReplyFunc
	DialogID        string
	DialogArgs      any
	ForceNewSession bool
}

// Dispatcher drives single conversation turns: it loads user state, runs the
// engine, persists state ahead of every reply and routes replies out.
//
// No per-user lock is taken. Two turns for the same user may overlap; each
// loads, mutates and saves independently and the later save wins.
type Dispatcher struct {
	store    StateStore
	engine   Engine
	sender   Sender
	observer Observer
	metrics  *observability.Metrics
	logger   *slog.Logger
	defaults Defaults

	// outboxes counts per-turn delivery goroutines still sending.
	outboxes sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSender sets the outbound transport used for reactive replies.
func WithSender(sender Sender) Option {
	return func(d *Dispatcher) {
		d.sender = sender
	}
}

// WithObserver sets the sink for out-of-band error and quit events.
func WithObserver(observer Observer) Option {
	return func(d *Dispatcher) {
		d.observer = observer
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithDefaults(defaults Defaults) Option {
	return func(d *Dispatcher) {
		d.defaults = defaults
	}
}

func NewDispatcher(store StateStore, engine Engine, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	if engine == nil {
		return nil, ErrNoEngine
	}
	d := &Dispatcher{
		store:    store,
		engine:   engine,
		logger:   slog.Default(),
		defaults: Defaults{DialogID: "/"},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Wait blocks until every reply already handed to the transport has been
// attempted, or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.outboxes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasDialog reports whether the engine can start dialogID.
func (d *Dispatcher) HasDialog(dialogID string) bool {
	return d.engine.HasDialog(dialogID)
}

// HandleMessage dispatches a reactive turn for an inbound message using the
// default dialog.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg Message) Outcome {
	return d.Dispatch(ctx, Request{
		UserID:     msg.Address,
		Message:    msg,
		DialogID:   d.defaults.DialogID,
		DialogArgs: d.defaults.DialogArgs,
	})
}

// BeginDialog proactively starts dialogID for addr in a fresh session, ignoring
// any session the user already has. An empty address targets "user".
func (d *Dispatcher) BeginDialog(ctx context.Context, addr DialogAddress, dialogID string, args any, reply ReplyFunc) (Outcome, error) {
	if !d.engine.HasDialog(dialogID) {
		return Outcome{}, fmt.Errorf("begin dialog %q: %w", dialogID, ErrUnknownDialog)
	}
	userID := strings.TrimSpace(addr.Address)
	if userID == "" {
		userID = "user"
	}
	channel := addr.Channel
	if channel == "" {
		channel = ChannelWeChat
	}
	msg := Message{
		Channel:        channel,
		Address:        userID,
		ConversationID: addr.ConversationID,
		Timestamp:      time.Now().UTC(),
	}
	return d.Dispatch(ctx, Request{
		UserID:          userID,
		Message:         msg,
		Reply:           reply,
		DialogID:        dialogID,
		DialogArgs:      args,
		ForceNewSession: true,
	}), nil
}

// Dispatch runs one turn to completion and returns its terminal outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	started := time.Now()
	turnID := uuid.NewString()
	logger := d.logger.With(
		"turn_id", turnID,
		"user_id", policy.MaskID(req.UserID),
		"msg_id", req.Message.ID,
		"dialog_id", req.DialogID,
	)
	r := &reporter{reply: req.Reply}

	loadStarted := time.Now()
	profile, session, err := d.store.Load(ctx, req.UserID)
	d.metrics.ObserveStage("load", time.Since(loadStarted))
	if err != nil {
		d.metrics.ObserveStoreError("load")
		logger.Error("state load failed", "err", err)
		return d.fail(req, r, Outcome{TurnID: turnID}, fmt.Errorf("load state: %w", err), started)
	}
	if req.ForceNewSession {
		session = nil
	}
	if profile == nil {
		profile = state.Profile{}
	}

	turn := &Turn{
		ID:         turnID,
		UserID:     req.UserID,
		Message:    req.Message,
		DialogID:   req.DialogID,
		DialogArgs: req.DialogArgs,
		UserData:   profile,
		Session:    session,
	}
	sink := &turnSink{
		d:        d,
		turn:     turn,
		reporter: r,
		logger:   logger,
	}
	logger.Debug("turn started",
		"fresh_session", session == nil,
		"text", policy.Preview(req.Message.Text, 48),
	)

	engineStarted := time.Now()
	kind, runErr := d.engine.Run(ctx, turn, sink)
	d.metrics.ObserveStage("engine", time.Since(engineStarted))
	sink.close()

	out := Outcome{TurnID: turnID, Replies: sink.delivered()}
	if saveErr := sink.err(); saveErr != nil {
		logger.Error("state save failed", "err", saveErr)
		return d.fail(req, r, out, saveErr, started)
	}
	if runErr != nil {
		logger.Warn("engine failed", "err", runErr)
		return d.fail(req, r, out, fmt.Errorf("engine: %w", runErr), started)
	}

	switch kind {
	case OutcomeQuit:
		out.Kind = OutcomeQuit
		if d.observer != nil {
			d.observer.OnQuit(req.UserID, req.Message)
		}
	case OutcomeFailed:
		return d.fail(req, r, out, errors.New("engine reported failure"), started)
	default:
		out.Kind = OutcomeCompleted
	}
	d.metrics.ObserveTurn(string(out.Kind), time.Since(started))
	logger.Debug("turn finished", "outcome", out.Kind, "replies", out.Replies)
	return out
}

func (d *Dispatcher) fail(req Request, r *reporter, out Outcome, err error, started time.Time) Outcome {
	out.Kind = OutcomeFailed
	out.Err = err
	if !r.fail(err) && d.observer != nil {
		d.observer.OnError(req.UserID, req.Message, err)
	}
	d.metrics.ObserveTurn(string(OutcomeFailed), time.Since(started))
	return out
}

// reporter guards the proactive caller's callback so it fires at most once,
// whether with the first reply or with the error that ended the turn.
type reporter struct {
	mu    sync.Mutex
	reply ReplyFunc
}

// take returns the callback and marks it consumed.
func (r *reporter) take() ReplyFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn := r.reply
	r.reply = nil
	return fn
}

// fail reports err to the callback and returns false when none is waiting.
func (r *reporter) fail(err error) bool {
	fn := r.take()
	if fn == nil {
		return false
	}
	fn(Reply{}, err)
	return true
}

type outboundText struct {
	to   string
	text string
}

// turnSink implements ReplySink for one turn. Sends are serialized so each
// reply is ordered after the save of the state it was computed against.
type turnSink struct {
	d        *Dispatcher
	turn     *Turn
	reporter *reporter
	logger   *slog.Logger

	mu      sync.Mutex
	saveErr error
	count   int
	closed  bool
	outbox  chan outboundText
}

func (s *turnSink) Send(ctx context.Context, reply Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.closed {
		return errors.New("reply sent after turn ended")
	}

	saveStarted := time.Now()
	err := s.d.store.Save(ctx, s.turn.UserID, s.turn.UserData, s.turn.Session)
	s.d.metrics.ObserveStage("save", time.Since(saveStarted))
	if err != nil {
		s.d.metrics.ObserveStoreError("save")
		s.saveErr = fmt.Errorf("save state: %w", err)
		return s.saveErr
	}

	if reply.Text == "" {
		s.d.metrics.ObserveReply(routeStateOnly)
		return nil
	}
	s.count++

	if fn := s.reporter.take(); fn != nil {
		s.d.metrics.ObserveReply(routeCallback)
		fn(reply, nil)
		return nil
	}
	if s.turn.Message.Addressable() && s.turn.Message.Address != "" && s.d.sender != nil {
		s.d.metrics.ObserveReply(routeTransport)
		s.enqueue(ctx, outboundText{to: s.turn.Message.Address, text: reply.Text})
		return nil
	}
	s.d.metrics.ObserveReply(routeDropped)
	return nil
}

// enqueue hands text to the turn's outbox goroutine. Delivery is fire and
// forget: failures are logged and counted, never retried or returned.
func (s *turnSink) enqueue(ctx context.Context, msg outboundText) {
	if s.outbox == nil {
		s.outbox = make(chan outboundText, 16)
		s.d.outboxes.Add(1)
		go s.drain(context.WithoutCancel(ctx), s.outbox)
	}
	s.outbox <- msg
}

func (s *turnSink) drain(ctx context.Context, outbox <-chan outboundText) {
	defer s.d.outboxes.Done()
	for msg := range outbox {
		if err := s.d.sender.SendText(ctx, msg.to, msg.text); err != nil {
			kind := reliability.Classify(err)
			s.d.metrics.ObserveSendError(kind)
			s.logger.Warn("send reply failed", "kind", kind, "err", err)
		}
	}
}

func (s *turnSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.outbox != nil {
		close(s.outbox)
	}
}

func (s *turnSink) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveErr
}

func (s *turnSink) delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
