package app

import (
	"fmt"
	"log/slog"

	"github.com/ent0n29/wechatbot/internal/config"
	"github.com/ent0n29/wechatbot/internal/voice"
	"github.com/ent0n29/wechatbot/internal/wechat"
)

type voiceSetup struct {
	transcriber voice.Transcriber
	media       *wechat.Client
	mode        string
	detail      string
}

// resolveTranscriber picks the voice backend. Voice needs both a transcriber
// and API credentials to download the recording; without either, voice
// messages are dropped.
func resolveTranscriber(cfg config.Config, client *wechat.Client, logger *slog.Logger) (voiceSetup, error) {
	t, err := voice.New(voice.Config{
		Mode:     cfg.VoiceTranscriber,
		HTTPURL:  cfg.VoiceTranscriberURL,
		MockText: cfg.VoiceMockText,
	})
	if err != nil {
		return voiceSetup{}, fmt.Errorf("voice transcriber init failed: %w", err)
	}
	mode := voice.ModeOf(t)
	switch {
	case t == nil:
		return voiceSetup{mode: mode, detail: "voice messages dropped"}, nil
	case client == nil:
		logger.Warn("voice transcriber configured without WECHAT_APP_ID/WECHAT_SECRET; voice messages will be dropped",
			"transcriber", mode)
		return voiceSetup{mode: "none", detail: "no media credentials"}, nil
	default:
		return voiceSetup{transcriber: t, media: client, mode: mode, detail: "transcribing via " + mode}, nil
	}
}
