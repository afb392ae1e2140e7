package bot

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/wechatbot/internal/observability"
	"github.com/ent0n29/wechatbot/internal/policy"
	"github.com/ent0n29/wechatbot/internal/voice"
	"github.com/ent0n29/wechatbot/internal/wechat"
)

// Inbound event kinds as reported to metrics.
const (
	kindText        = "text"
	kindVoice       = "voice"
	kindUnsupported = "unsupported"
)

// MessageHandler runs a reactive turn for a normalized message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message) Outcome
}

// MediaFetcher downloads a media payload referenced by an inbound event.
type MediaFetcher interface {
	GetMedia(ctx context.Context, mediaID string) ([]byte, error)
}

// Classifier turns raw webhook events into dispatches. Text is dispatched as
// is; voice is transcribed first when a transcriber is configured and dropped
// otherwise; everything else is ignored.
type Classifier struct {
	handler     MessageHandler
	media       MediaFetcher
	transcriber voice.Transcriber
	metrics     *observability.Metrics
	logger      *slog.Logger
}

type ClassifierOption func(*Classifier)

func WithTranscriber(t voice.Transcriber, media MediaFetcher) ClassifierOption {
	return func(c *Classifier) {
		c.transcriber = t
		c.media = media
	}
}

func WithClassifierMetrics(metrics *observability.Metrics) ClassifierOption {
	return func(c *Classifier) {
		c.metrics = metrics
	}
}

func WithClassifierLogger(logger *slog.Logger) ClassifierOption {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClassifier(handler MessageHandler, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleEvent classifies ev and dispatches it when it carries text. It blocks
// until the resulting turn finishes.
func (c *Classifier) HandleEvent(ctx context.Context, ev wechat.Event) {
	logger := c.logger.With("user_id", policy.MaskID(ev.FromUserName), "msg_id", ev.MsgID)

	switch ev.MsgType {
	case wechat.MsgTypeText:
		c.metrics.ObserveInbound(kindText, "dispatched")
		c.dispatch(ctx, ev, ev.Content)

	case wechat.MsgTypeVoice:
		if c.transcriber == nil || c.media == nil {
			c.metrics.ObserveInbound(kindVoice, "dropped")
			logger.Debug("voice message dropped: no transcriber configured")
			return
		}
		audio, err := c.media.GetMedia(ctx, ev.MediaID)
		if err != nil {
			c.metrics.ObserveInbound(kindVoice, "fetch_failed")
			logger.Warn("voice media fetch failed", "media_id", ev.MediaID, "err", err)
			return
		}
		text, err := c.transcriber.Transcribe(ctx, audio)
		if err != nil {
			c.metrics.ObserveInbound(kindVoice, "transcribe_failed")
			logger.Warn("voice transcription failed", "err", err)
			return
		}
		text = strings.TrimSpace(text)
		if text == "" {
			c.metrics.ObserveInbound(kindVoice, "empty")
			logger.Debug("voice transcription empty")
			return
		}
		c.metrics.ObserveInbound(kindVoice, "dispatched")
		c.dispatch(ctx, ev, text)

	default:
		c.metrics.ObserveInbound(kindUnsupported, "ignored")
		logger.Debug("unsupported message ignored", "msg_type", ev.MsgType, "event", ev.Event)
	}
}

func (c *Classifier) dispatch(ctx context.Context, ev wechat.Event, text string) Outcome {
	return c.handler.HandleMessage(ctx, messageFromEvent(ev, text))
}

func messageFromEvent(ev wechat.Event, text string) Message {
	msg := Message{
		ID:      ev.MsgID,
		Channel: ChannelWeChat,
		Address: ev.FromUserName,
		Text:    text,
	}
	if ev.CreateTime > 0 {
		msg.Timestamp = time.Unix(ev.CreateTime, 0).UTC()
	}
	return msg
}
