// Package dialog is a waterfall conversation engine. Dialogs are ordered steps;
// each turn runs steps until one waits for user input, and the position of
// every open dialog is kept in the session call stack between turns.
package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ent0n29/wechatbot/internal/bot"
	"github.com/ent0n29/wechatbot/internal/state"
)

// maxStepsPerTurn bounds chained dialogs that never wait for input.
const maxStepsPerTurn = 64

var errStepLimit = errors.New("dialog step limit exceeded")

// Step is one waterfall step. res carries the answer to the previous step's
// prompt, the dialog args on the first step, or a child dialog's result.
type Step func(dc *Context, res Result) error

// Result is the input handed to a step.
type Result struct {
	Args   any
	Text   string
	Number float64
	Choice *Choice
	// Value is what a child dialog returned through EndDialogWith.
	Value any
}

// Library is a registry of waterfall dialogs and implements bot.Engine.
type Library struct {
	mu      sync.RWMutex
	dialogs map[string][]Step
}

func NewLibrary() *Library {
	return &Library{dialogs: make(map[string][]Step)}
}

// Add registers a waterfall under id. It panics when id is empty, when no
// steps are given or when id is already registered.
func (l *Library) Add(id string, steps ...Step) *Library {
	id = strings.TrimSpace(id)
	if id == "" {
		panic("dialog: empty dialog id")
	}
	if len(steps) == 0 {
		panic("dialog: " + id + " has no steps")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.dialogs[id]; exists {
		panic("dialog: duplicate dialog " + id)
	}
	l.dialogs[id] = append([]Step(nil), steps...)
	return l
}

func (l *Library) HasDialog(id string) bool {
	_, ok := l.steps(id)
	return ok
}

func (l *Library) steps(id string) ([]Step, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	steps, ok := l.dialogs[id]
	return steps, ok
}

// Run drives one turn. With no open dialog the turn's DialogID is started with
// its DialogArgs; otherwise the message answers the top frame.
func (l *Library) Run(ctx context.Context, turn *bot.Turn, sink bot.ReplySink) (bot.OutcomeKind, error) {
	r := &runner{lib: l, turn: turn, sink: sink}
	r.load()

	if len(r.stack) == 0 {
		if !l.HasDialog(turn.DialogID) {
			return bot.OutcomeFailed, fmt.Errorf("start %q: %w", turn.DialogID, bot.ErrUnknownDialog)
		}
		r.push(turn.DialogID, turn.DialogArgs)
		return r.resume(ctx, Result{Args: turn.DialogArgs})
	}

	top := r.top()
	res := Result{Text: strings.TrimSpace(turn.Message.Text)}
	if top.Prompt != nil {
		recognized, ok := top.Prompt.recognize(turn.Message.Text)
		if !ok {
			if err := r.send(ctx, top.Prompt.retryText()); err != nil {
				return bot.OutcomeFailed, err
			}
			return bot.OutcomeCompleted, nil
		}
		top.Prompt = nil
		res = recognized
	}
	return r.resume(ctx, res)
}

type frameState struct {
	Step   int            `json:"step"`
	Args   any            `json:"args,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Prompt *Prompt        `json:"prompt,omitempty"`
}

type frame struct {
	id string
	frameState
}

type runner struct {
	lib  *Library
	turn *bot.Turn
	sink bot.ReplySink

	stack   []*frame
	dirty   bool
	sendErr error
}

// load decodes the persisted call stack. A stack that references dialogs this
// library no longer has is discarded so the user starts over.
func (r *runner) load() {
	if r.turn.Session == nil {
		return
	}
	for _, f := range r.turn.Session.CallStack {
		if !r.lib.HasDialog(f.ID) {
			r.stack = nil
			return
		}
		fs, err := decodeFrameState(f.State)
		if err != nil {
			r.stack = nil
			return
		}
		r.stack = append(r.stack, &frame{id: f.ID, frameState: fs})
	}
}

func (r *runner) top() *frame {
	return r.stack[len(r.stack)-1]
}

func (r *runner) push(id string, args any) {
	r.stack = append(r.stack, &frame{id: id, frameState: frameState{Args: args}})
	r.dirty = true
}

func (r *runner) pop() {
	r.stack = r.stack[:len(r.stack)-1]
	r.dirty = true
}

// resume runs steps from the top frame until one waits for input, the stack
// empties or the conversation is ended.
func (r *runner) resume(ctx context.Context, res Result) (bot.OutcomeKind, error) {
	for i := 0; ; i++ {
		if i >= maxStepsPerTurn {
			return bot.OutcomeFailed, errStepLimit
		}
		if len(r.stack) == 0 {
			return r.finish(ctx, bot.OutcomeCompleted)
		}
		top := r.top()
		steps, _ := r.lib.steps(top.id)
		if top.Step >= len(steps) {
			r.pop()
			res = Result{}
			continue
		}

		step := steps[top.Step]
		top.Step++
		r.dirty = true
		dc := &Context{ctx: ctx, runner: r, frame: top}
		if err := step(dc, res); err != nil {
			return bot.OutcomeFailed, err
		}
		if r.sendErr != nil {
			return bot.OutcomeFailed, r.sendErr
		}

		switch dc.action {
		case actionWait, actionPrompt:
			if dc.action == actionPrompt || top.Step < len(steps) {
				return r.finish(ctx, bot.OutcomeCompleted)
			}
			res = Result{}
		case actionNext:
			res = dc.next
		case actionBegin:
			r.push(dc.childID, dc.childArgs)
			res = Result{Args: dc.childArgs}
		case actionEnd:
			r.pop()
			res = Result{Value: dc.value}
		case actionQuit:
			r.stack = nil
			r.dirty = true
			return r.finish(ctx, bot.OutcomeQuit)
		}
	}
}

// finish persists whatever changed since the last reply.
func (r *runner) finish(ctx context.Context, kind bot.OutcomeKind) (bot.OutcomeKind, error) {
	if !r.dirty {
		return kind, nil
	}
	r.sync()
	if err := r.sink.Send(ctx, bot.Reply{}); err != nil {
		return bot.OutcomeFailed, err
	}
	r.dirty = false
	return kind, nil
}

func (r *runner) send(ctx context.Context, text string) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sync()
	if err := r.sink.Send(ctx, bot.Reply{Text: text}); err != nil {
		r.sendErr = err
		return err
	}
	r.dirty = false
	return nil
}

// sync writes the working stack back onto the turn so the next save sees it.
// An empty stack clears the session.
func (r *runner) sync() {
	if len(r.stack) == 0 {
		r.turn.Session = nil
		return
	}
	frames := make([]state.Frame, 0, len(r.stack))
	for _, f := range r.stack {
		frames = append(frames, state.Frame{ID: f.id, State: encodeFrameState(f.frameState)})
	}
	if r.turn.Session == nil {
		r.turn.Session = &state.Session{}
	}
	r.turn.Session.CallStack = frames
}

func encodeFrameState(fs frameState) map[string]any {
	raw, err := json.Marshal(fs)
	if err != nil {
		return map[string]any{"step": fs.Step}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"step": fs.Step}
	}
	return out
}

func decodeFrameState(m map[string]any) (frameState, error) {
	var fs frameState
	raw, err := json.Marshal(m)
	if err != nil {
		return fs, err
	}
	if err := json.Unmarshal(raw, &fs); err != nil {
		return fs, err
	}
	return fs, nil
}
