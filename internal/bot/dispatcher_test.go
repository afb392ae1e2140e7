package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/wechatbot/internal/state"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type recordingStore struct {
	inner     *state.Store
	log       *eventLog
	loadErr   error
	saveErr   error
	saveDelay time.Duration

	mu    sync.Mutex
	saves int
}

func newRecordingStore(log *eventLog) *recordingStore {
	return &recordingStore{inner: state.NewMemoryStore(), log: log}
}

func (s *recordingStore) Load(ctx context.Context, userID string) (state.Profile, *state.Session, error) {
	if s.loadErr != nil {
		return nil, nil, s.loadErr
	}
	return s.inner.Load(ctx, userID)
}

func (s *recordingStore) Save(ctx context.Context, userID string, profile state.Profile, session *state.Session) error {
	if s.saveDelay > 0 {
		time.Sleep(s.saveDelay)
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	if err := s.inner.Save(ctx, userID, profile, session); err != nil {
		return err
	}
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	s.log.add("save")
	return nil
}

func (s *recordingStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type sentText struct {
	to   string
	text string
}

type recordingSender struct {
	log  *eventLog
	sent chan sentText
}

func newRecordingSender(log *eventLog) *recordingSender {
	return &recordingSender{log: log, sent: make(chan sentText, 16)}
}

func (s *recordingSender) SendText(_ context.Context, to, text string) error {
	s.log.add("send:" + text)
	s.sent <- sentText{to: to, text: text}
	return nil
}

func (s *recordingSender) next(t *testing.T) sentText {
	t.Helper()
	select {
	case got := <-s.sent:
		return got
	case <-time.After(time.Second):
		t.Fatalf("no transport send observed")
		return sentText{}
	}
}

func (s *recordingSender) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-s.sent:
		t.Fatalf("unexpected transport send %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

type scriptedEngine struct {
	dialogs map[string]bool
	run     func(ctx context.Context, turn *Turn, sink ReplySink) (OutcomeKind, error)
	runs    int
}

func (e *scriptedEngine) HasDialog(id string) bool {
	return e.dialogs[id]
}

func (e *scriptedEngine) Run(ctx context.Context, turn *Turn, sink ReplySink) (OutcomeKind, error) {
	e.runs++
	return e.run(ctx, turn, sink)
}

func replyingEngine(texts ...string) *scriptedEngine {
	return &scriptedEngine{
		dialogs: map[string]bool{"/": true, "/survey": true},
		run: func(ctx context.Context, turn *Turn, sink ReplySink) (OutcomeKind, error) {
			if turn.Session == nil {
				turn.Session = &state.Session{}
			}
			turn.Session.CallStack = []state.Frame{{ID: turn.DialogID, State: map[string]any{"step": 1}}}
			for _, text := range texts {
				if err := sink.Send(ctx, Reply{Text: text}); err != nil {
					return OutcomeFailed, err
				}
			}
			return OutcomeCompleted, nil
		},
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	errors []error
	quits  []string
}

func (o *recordingObserver) OnError(_ string, _ Message, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, err)
}

func (o *recordingObserver) OnQuit(userID string, _ Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quits = append(o.quits, userID)
}

func newTestDispatcher(t *testing.T, store StateStore, engine Engine, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(store, engine, append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	return d
}

func inbound(text string) Message {
	return Message{ID: "m1", Channel: ChannelWeChat, Address: "openid-1", Text: text}
}

func TestNewDispatcherRequiresCollaborators(t *testing.T) {
	if _, err := NewDispatcher(nil, replyingEngine()); !errors.Is(err, ErrNoStore) {
		t.Fatalf("NewDispatcher(nil store) error = %v, want ErrNoStore", err)
	}
	if _, err := NewDispatcher(state.NewMemoryStore(), nil); !errors.Is(err, ErrNoEngine) {
		t.Fatalf("NewDispatcher(nil engine) error = %v, want ErrNoEngine", err)
	}
}

func TestHandleMessageSavesThenSendsThroughTransport(t *testing.T) {
	log := &eventLog{}
	store := newRecordingStore(log)
	sender := newRecordingSender(log)
	d := newTestDispatcher(t, store, replyingEngine("Hello"), WithSender(sender))

	out := d.HandleMessage(context.Background(), inbound("hi"))
	if out.Kind != OutcomeCompleted || out.Err != nil {
		t.Fatalf("outcome = %+v, want completed", out)
	}
	if out.Replies != 1 || out.TurnID == "" {
		t.Fatalf("outcome = %+v, want one reply and a turn id", out)
	}
	got := sender.next(t)
	if got.to != "openid-1" || got.text != "Hello" {
		t.Fatalf("sent = %+v, want Hello to the source address", got)
	}
	if store.saveCount() != 1 {
		t.Fatalf("saves = %d, want 1", store.saveCount())
	}

	_, session, err := store.inner.Load(context.Background(), "openid-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if session == nil || len(session.CallStack) != 1 || session.CallStack[0].ID != "/" {
		t.Fatalf("session = %+v, want the engine's call stack persisted", session)
	}
}

func TestReplyIsDeliveredOnlyAfterSave(t *testing.T) {
	log := &eventLog{}
	store := newRecordingStore(log)
	store.saveDelay = 20 * time.Millisecond
	sender := newRecordingSender(log)
	d := newTestDispatcher(t, store, replyingEngine("one", "two"), WithSender(sender))

	d.HandleMessage(context.Background(), inbound("hi"))
	sender.next(t)
	sender.next(t)

	events := log.snapshot()
	want := []string{"save", "send:one", "save", "send:two"}
	saves, sends := 0, 0
	for _, ev := range events {
		if ev == "save" {
			saves++
			continue
		}
		sends++
		if sends > saves {
			t.Fatalf("events = %v, want every send preceded by its save", events)
		}
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

func TestProactiveCallbackFiresOnce(t *testing.T) {
	log := &eventLog{}
	store := newRecordingStore(log)
	sender := newRecordingSender(log)
	d := newTestDispatcher(t, store, replyingEngine("first", "second", "third"), WithSender(sender))

	var calls []Reply
	reply := func(r Reply, err error) {
		if err != nil {
			t.Errorf("callback error = %v", err)
		}
		log.add("callback:" + r.Text)
		calls = append(calls, r)
	}
	out, err := d.BeginDialog(context.Background(), DialogAddress{Address: "openid-1"}, "/survey", nil, reply)
	if err != nil {
		t.Fatalf("BeginDialog() error = %v", err)
	}
	if out.Kind != OutcomeCompleted || out.Replies != 3 {
		t.Fatalf("outcome = %+v, want completed with 3 replies", out)
	}
	if len(calls) != 1 || calls[0].Text != "first" {
		t.Fatalf("callback calls = %+v, want exactly the first reply", calls)
	}
	// No message id or conversation id: later replies have no route.
	sender.expectNone(t)
	if events := log.snapshot(); events[0] != "save" || events[1] != "callback:first" {
		t.Fatalf("events = %v, want save before callback", events)
	}
}

func TestProactiveRepliesAfterCallbackUseConversation(t *testing.T) {
	log := &eventLog{}
	sender := newRecordingSender(log)
	d := newTestDispatcher(t, newRecordingStore(log), replyingEngine("first", "second"), WithSender(sender))

	calls := 0
	_, err := d.BeginDialog(context.Background(),
		DialogAddress{Address: "openid-1", ConversationID: "conv-9"}, "/survey", nil,
		func(Reply, error) { calls++ })
	if err != nil {
		t.Fatalf("BeginDialog() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("callback calls = %d, want 1", calls)
	}
	if got := sender.next(t); got.text != "second" || got.to != "openid-1" {
		t.Fatalf("sent = %+v, want second reply via transport", got)
	}
}

func TestBeginDialogForcesNewSession(t *testing.T) {
	log := &eventLog{}
	store := newRecordingStore(log)
	existing := &state.Session{CallStack: []state.Frame{{ID: "/", State: map[string]any{"step": 2}}}}
	if err := store.inner.Save(context.Background(), "openid-1", state.Profile{"name": "Ada"}, existing); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var seen []*Turn
	engine := &scriptedEngine{
		dialogs: map[string]bool{"/": true, "/survey": true},
		run: func(_ context.Context, turn *Turn, _ ReplySink) (OutcomeKind, error) {
			seen = append(seen, turn)
			return OutcomeCompleted, nil
		},
	}
	d := newTestDispatcher(t, store, engine)

	d.HandleMessage(context.Background(), inbound("hi"))
	if _, err := d.BeginDialog(context.Background(), DialogAddress{Address: "openid-1"}, "/survey", map[string]any{"topic": "go"}, nil); err != nil {
		t.Fatalf("BeginDialog() error = %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("engine runs = %d, want 2", len(seen))
	}
	if seen[0].Session == nil {
		t.Fatalf("reactive turn session = nil, want the fresh stored session")
	}
	if seen[1].Session != nil {
		t.Fatalf("proactive turn session = %+v, want nil", seen[1].Session)
	}
	if seen[1].UserData["name"] != "Ada" {
		t.Fatalf("proactive user data = %v, want profile kept", seen[1].UserData)
	}
	if seen[1].DialogID != "/survey" {
		t.Fatalf("dialog id = %q, want /survey", seen[1].DialogID)
	}
}

func TestBeginDialogUnknownDialog(t *testing.T) {
	engine := replyingEngine("x")
	d := newTestDispatcher(t, newRecordingStore(&eventLog{}), engine)

	called := false
	_, err := d.BeginDialog(context.Background(), DialogAddress{Address: "openid-1"}, "/missing", nil, func(Reply, error) { called = true })
	if !errors.Is(err, ErrUnknownDialog) {
		t.Fatalf("BeginDialog() error = %v, want ErrUnknownDialog", err)
	}
	if engine.runs != 0 || called {
		t.Fatalf("engine runs = %d, callback = %v, want nothing started", engine.runs, called)
	}
}

func TestBeginDialogDefaultsUser(t *testing.T) {
	var userID string
	engine := &scriptedEngine{
		dialogs: map[string]bool{"/": true},
		run: func(_ context.Context, turn *Turn, _ ReplySink) (OutcomeKind, error) {
			userID = turn.UserID
			return OutcomeCompleted, nil
		},
	}
	d := newTestDispatcher(t, newRecordingStore(&eventLog{}), engine)
	if _, err := d.BeginDialog(context.Background(), DialogAddress{}, "/", nil, nil); err != nil {
		t.Fatalf("BeginDialog() error = %v", err)
	}
	if userID != "user" {
		t.Fatalf("user id = %q, want user", userID)
	}
}

func TestLoadFailureSkipsEngine(t *testing.T) {
	loadErr := errors.New("db down")

	t.Run("reported to callback", func(t *testing.T) {
		store := newRecordingStore(&eventLog{})
		store.loadErr = loadErr
		engine := replyingEngine("x")
		observer := &recordingObserver{}
		d := newTestDispatcher(t, store, engine, WithObserver(observer))

		var got error
		out, _ := d.BeginDialog(context.Background(), DialogAddress{Address: "openid-1"}, "/", nil, func(_ Reply, err error) { got = err })
		if out.Kind != OutcomeFailed || !errors.Is(out.Err, loadErr) {
			t.Fatalf("outcome = %+v, want failed with load error", out)
		}
		if !errors.Is(got, loadErr) {
			t.Fatalf("callback error = %v, want load error", got)
		}
		if engine.runs != 0 {
			t.Fatalf("engine runs = %d, want 0", engine.runs)
		}
		if len(observer.errors) != 0 {
			t.Fatalf("observer errors = %v, want none when a callback is waiting", observer.errors)
		}
	})

	t.Run("reported out of band", func(t *testing.T) {
		store := newRecordingStore(&eventLog{})
		store.loadErr = loadErr
		engine := replyingEngine("x")
		observer := &recordingObserver{}
		d := newTestDispatcher(t, store, engine, WithObserver(observer))

		d.HandleMessage(context.Background(), inbound("hi"))
		if engine.runs != 0 {
			t.Fatalf("engine runs = %d, want 0", engine.runs)
		}
		if len(observer.errors) != 1 || !errors.Is(observer.errors[0], loadErr) {
			t.Fatalf("observer errors = %v, want the load error once", observer.errors)
		}
	})
}

func TestSaveFailureBlocksDelivery(t *testing.T) {
	saveErr := errors.New("write refused")
	log := &eventLog{}
	store := newRecordingStore(log)
	store.saveErr = saveErr
	sender := newRecordingSender(log)
	observer := &recordingObserver{}

	var sendErr error
	engine := &scriptedEngine{
		dialogs: map[string]bool{"/": true},
		run: func(ctx context.Context, turn *Turn, sink ReplySink) (OutcomeKind, error) {
			sendErr = sink.Send(ctx, Reply{Text: "never"})
			if sendErr != nil {
				return OutcomeFailed, sendErr
			}
			return OutcomeCompleted, nil
		},
	}
	d := newTestDispatcher(t, store, engine, WithSender(sender), WithObserver(observer))

	out := d.HandleMessage(context.Background(), inbound("hi"))
	if !errors.Is(sendErr, saveErr) {
		t.Fatalf("Send() error = %v, want save error", sendErr)
	}
	if out.Kind != OutcomeFailed || !errors.Is(out.Err, saveErr) {
		t.Fatalf("outcome = %+v, want failed with save error", out)
	}
	if out.Replies != 0 {
		t.Fatalf("replies = %d, want 0", out.Replies)
	}
	sender.expectNone(t)
	if len(observer.errors) != 1 {
		t.Fatalf("observer errors = %v, want exactly one report", observer.errors)
	}
}

func TestEngineErrorFailsTurn(t *testing.T) {
	boom := errors.New("boom")
	engine := &scriptedEngine{
		dialogs: map[string]bool{"/": true},
		run: func(context.Context, *Turn, ReplySink) (OutcomeKind, error) {
			return OutcomeFailed, boom
		},
	}
	observer := &recordingObserver{}
	d := newTestDispatcher(t, newRecordingStore(&eventLog{}), engine, WithObserver(observer))

	out := d.HandleMessage(context.Background(), inbound("hi"))
	if out.Kind != OutcomeFailed || !errors.Is(out.Err, boom) {
		t.Fatalf("outcome = %+v, want failed with engine error", out)
	}
	if len(observer.errors) != 1 || !errors.Is(observer.errors[0], boom) {
		t.Fatalf("observer errors = %v, want engine error", observer.errors)
	}
}

func TestQuitNotifiesObserver(t *testing.T) {
	engine := &scriptedEngine{
		dialogs: map[string]bool{"/": true},
		run: func(ctx context.Context, turn *Turn, sink ReplySink) (OutcomeKind, error) {
			turn.Session = nil
			if err := sink.Send(ctx, Reply{Text: "bye"}); err != nil {
				return OutcomeFailed, err
			}
			return OutcomeQuit, nil
		},
	}
	observer := &recordingObserver{}
	d := newTestDispatcher(t, newRecordingStore(&eventLog{}), engine, WithObserver(observer))

	out := d.HandleMessage(context.Background(), inbound("quit"))
	if out.Kind != OutcomeQuit {
		t.Fatalf("outcome = %+v, want quit", out)
	}
	if len(observer.quits) != 1 || observer.quits[0] != "openid-1" {
		t.Fatalf("observer quits = %v, want openid-1", observer.quits)
	}
	if len(observer.errors) != 0 {
		t.Fatalf("observer errors = %v, want none", observer.errors)
	}
}

func TestEmptyReplyOnlySavesState(t *testing.T) {
	log := &eventLog{}
	store := newRecordingStore(log)
	sender := newRecordingSender(log)
	engine := &scriptedEngine{
		dialogs: map[string]bool{"/": true},
		run: func(ctx context.Context, turn *Turn, sink ReplySink) (OutcomeKind, error) {
			turn.UserData["primed"] = true
			return OutcomeCompleted, sink.Send(ctx, Reply{})
		},
	}
	d := newTestDispatcher(t, store, engine, WithSender(sender))

	called := false
	out, err := d.BeginDialog(context.Background(), DialogAddress{Address: "openid-1", ConversationID: "c1"}, "/", nil, func(Reply, error) { called = true })
	if err != nil {
		t.Fatalf("BeginDialog() error = %v", err)
	}
	if out.Kind != OutcomeCompleted || out.Replies != 0 {
		t.Fatalf("outcome = %+v, want completed with no delivered replies", out)
	}
	if called {
		t.Fatalf("callback fired for a save-only reply")
	}
	sender.expectNone(t)
	if store.saveCount() != 1 {
		t.Fatalf("saves = %d, want 1", store.saveCount())
	}
	profile, _, _ := store.inner.Load(context.Background(), "openid-1")
	if profile["primed"] != true {
		t.Fatalf("profile = %v, want primed flag persisted", profile)
	}
}

func TestUnaddressableReplyIsDropped(t *testing.T) {
	log := &eventLog{}
	store := newRecordingStore(log)
	sender := newRecordingSender(log)
	d := newTestDispatcher(t, store, replyingEngine("lost"), WithSender(sender))

	out := d.Dispatch(context.Background(), Request{
		UserID:   "openid-1",
		Message:  Message{Channel: ChannelWeChat, Address: "openid-1", Text: "hi"},
		DialogID: "/",
	})
	if out.Kind != OutcomeCompleted {
		t.Fatalf("outcome = %+v, want completed", out)
	}
	sender.expectNone(t)
	if store.saveCount() != 1 {
		t.Fatalf("saves = %d, want state saved even though the reply was dropped", store.saveCount())
	}
}

func TestSendAfterTurnEndsIsRejected(t *testing.T) {
	var leaked ReplySink
	engine := &scriptedEngine{
		dialogs: map[string]bool{"/": true},
		run: func(_ context.Context, _ *Turn, sink ReplySink) (OutcomeKind, error) {
			leaked = sink
			return OutcomeCompleted, nil
		},
	}
	d := newTestDispatcher(t, newRecordingStore(&eventLog{}), engine)
	d.HandleMessage(context.Background(), inbound("hi"))

	if err := leaked.Send(context.Background(), Reply{Text: "late"}); err == nil {
		t.Fatalf("Send() after turn end error = nil, want rejection")
	}
}

func TestTransportRepliesUseMessageAddress(t *testing.T) {
	log := &eventLog{}
	store := newRecordingStore(log)
	sender := newRecordingSender(log)
	d := newTestDispatcher(t, store, replyingEngine("Hello"), WithSender(sender))

	out := d.Dispatch(context.Background(), Request{
		UserID:   "profile-7",
		Message:  Message{ID: "m7", Channel: ChannelWeChat, Address: "openid-7", Text: "hi"},
		DialogID: "/",
	})
	if out.Kind != OutcomeCompleted {
		t.Fatalf("outcome = %+v, want completed", out)
	}
	if got := sender.next(t); got.to != "openid-7" {
		t.Fatalf("sent to %q, want the message address openid-7", got.to)
	}
	if _, session, _ := store.inner.Load(context.Background(), "profile-7"); session == nil {
		t.Fatalf("session for profile-7 missing, want state keyed by user id")
	}
}

// gatedSender blocks every send until release is closed.
type gatedSender struct {
	release chan struct{}
	mu      sync.Mutex
	sent    []string
}

func (s *gatedSender) SendText(_ context.Context, _ string, text string) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func TestWaitDrainsQueuedTransportReplies(t *testing.T) {
	sender := &gatedSender{release: make(chan struct{})}
	d := newTestDispatcher(t, newRecordingStore(&eventLog{}), replyingEngine("one", "two"), WithSender(sender))

	out := d.HandleMessage(context.Background(), inbound("hi"))
	if out.Kind != OutcomeCompleted || out.Replies != 2 {
		t.Fatalf("outcome = %+v, want completed with two replies", out)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := d.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want deadline while sends are blocked", err)
	}

	close(sender.release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := d.Wait(ctx2); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 2 || sender.sent[0] != "one" || sender.sent[1] != "two" {
		t.Fatalf("sent = %q, want both replies delivered before Wait returns", sender.sent)
	}
}
