package wechat

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

const maxWebhookBody = 1 << 20

// EventHandler processes a verified inbound event. It runs after the webhook
// call has been acknowledged, on its own goroutine.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev Event)

func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// WebhookConfig carries the credentials used to verify callbacks.
type WebhookConfig struct {
	Token          string
	AppID          string
	EncodingAESKey string
}

// Webhook verifies and decodes platform callbacks. Every POST that passes the
// signature check is answered 200 "success" before the event is processed, so
// the platform never re-delivers because of internal failures.
type Webhook struct {
	token   string
	cipher  *cipherSuite
	handler EventHandler
	logger  *slog.Logger

	inflight sync.WaitGroup
}

func NewWebhook(cfg WebhookConfig, handler EventHandler, logger *slog.Logger) (*Webhook, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("wechat token is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("event handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Webhook{token: cfg.Token, handler: handler, logger: logger}
	if key := strings.TrimSpace(cfg.EncodingAESKey); key != "" {
		c, err := newCipherSuite(key, cfg.AppID)
		if err != nil {
			return nil, err
		}
		w.cipher = c
	}
	return w, nil
}

// Encrypted reports whether safe-mode decryption is configured.
func (wh *Webhook) Encrypted() bool { return wh.cipher != nil }

func (wh *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		wh.handleVerify(w, r)
	case http.MethodPost:
		wh.handleEvent(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (wh *Webhook) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !verifySignature(q.Get("signature"), wh.token, q.Get("timestamp"), q.Get("nonce")) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, q.Get("echostr"))
}

func (wh *Webhook) handleEvent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	timestamp, nonce := q.Get("timestamp"), q.Get("nonce")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	encrypted := strings.EqualFold(q.Get("encrypt_type"), "aes")
	if !encrypted && !verifySignature(q.Get("signature"), wh.token, timestamp, nonce) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload []byte
	if encrypted {
		payload, err = wh.open(body, q.Get("msg_signature"), timestamp, nonce)
		if errors.Is(err, ErrBadSignature) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	} else {
		payload = body
	}

	ack(w)

	if err != nil {
		wh.logger.Warn("wechat payload rejected", "err", err)
		return
	}
	var ev Event
	if err := xml.Unmarshal(payload, &ev); err != nil {
		wh.logger.Warn("wechat payload decode failed", "err", err)
		return
	}
	wh.inflight.Add(1)
	go func() {
		defer wh.inflight.Done()
		wh.handler.HandleEvent(context.WithoutCancel(r.Context()), ev)
	}()
}

// Wait blocks until events already acknowledged have been handled or ctx is
// done.
func (wh *Webhook) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		wh.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// open verifies msg_signature and decrypts a safe-mode envelope.
func (wh *Webhook) open(body []byte, msgSignature, timestamp, nonce string) ([]byte, error) {
	if wh.cipher == nil {
		return nil, fmt.Errorf("encrypted callback received but no AES key configured")
	}
	var env encryptedEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !verifySignature(msgSignature, wh.token, timestamp, nonce, env.Encrypt) {
		return nil, ErrBadSignature
	}
	return wh.cipher.decrypt(env.Encrypt)
}

func ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "success")
}
