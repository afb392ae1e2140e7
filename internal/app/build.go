package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ent0n29/wechatbot/internal/bot"
	"github.com/ent0n29/wechatbot/internal/config"
	"github.com/ent0n29/wechatbot/internal/dialog"
	"github.com/ent0n29/wechatbot/internal/events"
	"github.com/ent0n29/wechatbot/internal/httpapi"
	"github.com/ent0n29/wechatbot/internal/observability"
	"github.com/ent0n29/wechatbot/internal/state"
	"github.com/ent0n29/wechatbot/internal/wechat"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Webhook    *wechat.Webhook
	Dispatcher *bot.Dispatcher
	Store      *state.Store
	Events     *events.Hub
	Metrics    *observability.Metrics
	Voice      VoiceInfo

	// Cleanup should be called on shutdown to release external resources (DB pool).
	Cleanup func() error
}

type VoiceInfo struct {
	Mode   string
	Detail string
}

// Build wires the service from cfg. engine may be nil, in which case the
// onboarding sample library is used.
func Build(ctx context.Context, cfg config.Config, engine bot.Engine, metrics *observability.Metrics, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = dialog.Onboarding()
	}
	if !engine.HasDialog(cfg.DefaultDialogID) {
		return nil, fmt.Errorf("default dialog %q is not registered: %w", cfg.DefaultDialogID, bot.ErrUnknownDialog)
	}

	store, err := state.Open(ctx, cfg.DatabaseURL, state.WithMaxSessionAge(cfg.SessionMaxAge))
	if err != nil {
		return nil, fmt.Errorf("state store init failed: %w", err)
	}

	var client *wechat.Client
	if cfg.OutboundEnabled() {
		client = wechat.NewClient(cfg.WeChatAppID, cfg.WeChatSecret, cfg.WeChatAPIBaseURL)
	} else {
		logger.Warn("WECHAT_APP_ID/WECHAT_SECRET not set; reactive replies will be dropped")
	}

	voiceSetup, err := resolveTranscriber(cfg, client, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	hub := events.NewHub(logger)
	opts := []bot.Option{
		bot.WithObserver(hub),
		bot.WithMetrics(metrics),
		bot.WithLogger(logger),
		bot.WithDefaults(bot.Defaults{DialogID: cfg.DefaultDialogID, DialogArgs: cfg.DefaultDialogArgs}),
	}
	if client != nil {
		opts = append(opts, bot.WithSender(wechat.NewPacedSender(client, cfg.MinSendDelay)))
	}
	dispatcher, err := bot.NewDispatcher(store, engine, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	classifierOpts := []bot.ClassifierOption{
		bot.WithClassifierMetrics(metrics),
		bot.WithClassifierLogger(logger),
	}
	if voiceSetup.transcriber != nil {
		classifierOpts = append(classifierOpts, bot.WithTranscriber(voiceSetup.transcriber, voiceSetup.media))
	}
	classifier := bot.NewClassifier(dispatcher, classifierOpts...)

	webhook, err := wechat.NewWebhook(wechat.WebhookConfig{
		Token:          cfg.WeChatToken,
		AppID:          cfg.WeChatAppID,
		EncodingAESKey: cfg.WeChatAESKey,
	}, classifier, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("webhook init failed: %w", err)
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Webhook: webhook,
		Dialogs: dispatcher,
		Events:  hub,
		Metrics: metrics,
		Logger:  logger,
		Status: httpapi.Status{
			StoreMode:       store.Mode(),
			TranscriberMode: voiceSetup.mode,
			OutboundEnabled: client != nil,
			Encrypted:       webhook.Encrypted(),
		},
	})

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Webhook:    webhook,
		Dispatcher: dispatcher,
		Store:      store,
		Events:     hub,
		Metrics:    metrics,
		Voice: VoiceInfo{
			Mode:   voiceSetup.mode,
			Detail: voiceSetup.detail,
		},
		Cleanup: store.Close,
	}, nil
}
