package bot

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/wechatbot/internal/state"
)

// ChannelWeChat is the channel id stamped on messages built from webhook events.
const ChannelWeChat = "wechat"

var (
	ErrUnknownDialog = errors.New("unknown dialog")
	ErrNoEngine      = errors.New("conversation engine is required")
	ErrNoStore       = errors.New("state store is required")
)

// Message is a normalized inbound message. It is never persisted; only its
// effect on user state is.
type Message struct {
	ID             string    `json:"id,omitempty"`
	Channel        string    `json:"channel_id"`
	Address        string    `json:"address"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// Addressable reports whether replies to this message can be routed back out
// through the transport.
func (m Message) Addressable() bool {
	return m.ID != "" || m.ConversationID != ""
}

// DialogAddress targets a user for a proactively started dialog.
type DialogAddress struct {
	Channel        string `json:"channel_id,omitempty"`
	Address        string `json:"address"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Reply is one outbound event produced by the engine during a turn. An empty
// Text means the engine only wants its state persisted.
type Reply struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OutcomeKind is the terminal state of a dispatch.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeQuit      OutcomeKind = "quit"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome summarizes one finished dispatch.
type Outcome struct {
	Kind    OutcomeKind
	TurnID  string
	Replies int
	Err     error
}

// Turn is the per-dispatch working state handed to the engine. The engine
// reads and mutates UserData and Session; each dispatch owns its own Turn.
type Turn struct {
	ID         string
	UserID     string
	Message    Message
	DialogID   string
	DialogArgs any
	UserData   state.Profile
	Session    *state.Session
}

// ReplySink receives replies from the engine. Send persists the turn's current
// state before the reply leaves the process and returns an error when that
// save fails; the engine must stop emitting once Send errors.
type ReplySink interface {
	Send(ctx context.Context, reply Reply) error
}

// Engine owns the multi-step dialog logic.
type Engine interface {
	HasDialog(id string) bool
	// Run drives a single turn. A nil Session on the turn means a brand new
	// conversation. Returning a non-nil error fails the turn.
	Run(ctx context.Context, turn *Turn, sink ReplySink) (OutcomeKind, error)
}

// StateStore loads and saves the profile/session pair for a user.
type StateStore interface {
	Load(ctx context.Context, userID string) (state.Profile, *state.Session, error)
	Save(ctx context.Context, userID string, profile state.Profile, session *state.Session) error
}

// Sender delivers reply text through the outbound transport.
type Sender interface {
	SendText(ctx context.Context, toAddress, text string) error
}

// ReplyFunc receives the first reply of a proactive dispatch, or the error that
// ended it. It is called at most once.
type ReplyFunc func(reply Reply, err error)

// Observer is notified of out-of-band events that have no waiting caller.
type Observer interface {
	OnError(userID string, msg Message, err error)
	OnQuit(userID string, msg Message)
}
