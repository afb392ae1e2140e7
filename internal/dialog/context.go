package dialog

import (
	"context"
	"errors"

	"github.com/ent0n29/wechatbot/internal/bot"
	"github.com/ent0n29/wechatbot/internal/state"
)

type action int

const (
	actionWait action = iota
	actionPrompt
	actionNext
	actionBegin
	actionEnd
	actionQuit
)

var errActionTaken = errors.New("step already chose how to continue")

// Context is what a step sees of the running turn. At most one of Prompt,
// Next, BeginDialog, EndDialog and Quit may be called per step; a step that
// calls none of them waits for the next message.
type Context struct {
	ctx    context.Context
	runner *runner
	frame  *frame

	action    action
	next      Result
	childID   string
	childArgs any
	value     any
}

// Context returns the turn's context.
func (dc *Context) Context() context.Context {
	return dc.ctx
}

// Message is the inbound message driving this turn.
func (dc *Context) Message() bot.Message {
	return dc.runner.turn.Message
}

// UserData is the user's profile. Changes are persisted with the next reply.
func (dc *Context) UserData() state.Profile {
	if dc.runner.turn.UserData == nil {
		dc.runner.turn.UserData = state.Profile{}
	}
	return dc.runner.turn.UserData
}

// DialogData is scratch space private to the current dialog frame.
func (dc *Context) DialogData() map[string]any {
	if dc.frame.Data == nil {
		dc.frame.Data = make(map[string]any)
	}
	return dc.frame.Data
}

// Args are the arguments the current dialog was started with.
func (dc *Context) Args() any {
	return dc.frame.Args
}

// Send emits a text reply. State is saved before the reply goes out.
func (dc *Context) Send(text string) error {
	return dc.runner.send(dc.ctx, text)
}

// Prompt sends p and waits for the answer, which the next step receives once
// it validates.
func (dc *Context) Prompt(p Prompt) error {
	if err := dc.take(actionPrompt); err != nil {
		return err
	}
	dc.frame.Prompt = &p
	return dc.runner.send(dc.ctx, p.render())
}

// Next continues with the following step right away.
func (dc *Context) Next(res Result) error {
	if err := dc.take(actionNext); err != nil {
		return err
	}
	dc.next = res
	return nil
}

// BeginDialog starts a child dialog once this step returns. The current
// dialog resumes at its next step with the child's EndDialogWith value.
func (dc *Context) BeginDialog(id string, args any) error {
	if !dc.runner.lib.HasDialog(id) {
		return bot.ErrUnknownDialog
	}
	if err := dc.take(actionBegin); err != nil {
		return err
	}
	dc.childID = id
	dc.childArgs = args
	return nil
}

// EndDialog closes the current dialog.
func (dc *Context) EndDialog() error {
	return dc.EndDialogWith(nil)
}

// EndDialogWith closes the current dialog and hands value to its parent.
func (dc *Context) EndDialogWith(value any) error {
	if err := dc.take(actionEnd); err != nil {
		return err
	}
	dc.value = value
	return nil
}

// Quit ends the conversation and clears every open dialog.
func (dc *Context) Quit() error {
	return dc.take(actionQuit)
}

func (dc *Context) take(a action) error {
	if dc.action != actionWait {
		return errActionTaken
	}
	dc.action = a
	return nil
}
