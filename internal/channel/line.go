package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"stockbot/internal/domain"
	"stockbot/internal/provider"
)

const (
	lineMaxBodySize = 1 << 20 // 1MB
	lineAPIBase     = "https://api.line.me/v2/bot"
	lineSendTimeout = 15 * time.Second
)

// Line implements domain.Channel for the LINE Messaging API. Inbound
// messages arrive on a webhook server; replies go out through the Reply
// API using the event's reply token, falling back to the Push API when
// the token has already been consumed or expired.
type Line struct {
	channelSecret string
	channelToken  string
	port          int
	path          string
	apiBase       string

	bus    domain.MessageBus
	client *http.Client
	logger *slog.Logger
	server *http.Server
}

// LineChannelConfig configures the LINE channel. APIBase overrides the
// LINE endpoint for tests.
type LineChannelConfig struct {
	ChannelSecret string
	ChannelToken  string
	Port          int
	Path          string
	APIBase       string
	Logger        *slog.Logger
}

func NewLine(cfg LineChannelConfig) *Line {
	if cfg.Path == "" {
		cfg.Path = "/callback"
	}
	if cfg.Port == 0 {
		cfg.Port = 5000
	}
	if cfg.APIBase == "" {
		cfg.APIBase = lineAPIBase
	}
	return &Line{
		channelSecret: cfg.ChannelSecret,
		channelToken:  cfg.ChannelToken,
		port:          cfg.Port,
		path:          cfg.Path,
		apiBase:       cfg.APIBase,
		client:        provider.SharedHTTPClient(lineSendTimeout),
		logger:        cfg.Logger,
	}
}

func (l *Line) Name() string { return "line" }

// Start begins the webhook HTTP server and registers the outbound handler.
func (l *Line) Start(ctx context.Context, bus domain.MessageBus) error {
	l.bus = bus

	bus.OnOutbound("line", func(msg domain.OutboundMessage) {
		if err := l.deliver(msg); err != nil {
			l.logger.Error("line delivery failed", "chat_id", msg.ChatID, "err", err)
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleWebhook)

	l.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", l.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	l.logger.Info("line webhook server starting", "port", l.port, "path", l.path)

	errCh := make(chan error, 1)
	go func() {
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("line webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return l.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("line webhook server: %w", err)
	}
}

func (l *Line) Stop() error {
	if l.server != nil {
		return l.server.Close()
	}
	return nil
}

func (l *Line) Send(ctx context.Context, chatID string, content string) error {
	return l.push(chatID, []lineMessage{{Type: "text", Text: content}})
}

// Webhook wire types, per the LINE Messaging API.
type lineWebhookBody struct {
	Events []lineEvent `json:"events"`
}

type lineEvent struct {
	Type       string `json:"type"`
	ReplyToken string `json:"replyToken"`
	Timestamp  int64  `json:"timestamp"` // milliseconds
	Source     struct {
		UserID  string `json:"userId"`
		GroupID string `json:"groupId"`
	} `json:"source"`
	Message struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

type lineMessage struct {
	Type               string `json:"type"`
	Text               string `json:"text,omitempty"`
	OriginalContentURL string `json:"originalContentUrl,omitempty"`
	PreviewImageURL    string `json:"previewImageUrl,omitempty"`
}

func (l *Line) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, lineMaxBodySize))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !l.verifySignature(body, r.Header.Get("X-Line-Signature")) {
		l.logger.Warn("line webhook signature mismatch")
		http.Error(rw, "Invalid signature", http.StatusForbidden)
		return
	}

	var payload lineWebhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}

	for _, ev := range payload.Events {
		if ev.Type != "message" || ev.Message.Type != "text" || ev.Message.Text == "" {
			continue
		}
		chatID := ev.Source.UserID
		if ev.Source.GroupID != "" {
			chatID = ev.Source.GroupID
		}

		l.logger.Info("line message received",
			"user", ev.Source.UserID,
			"content_len", len(ev.Message.Text),
		)

		l.bus.Publish(domain.InboundMessage{
			Channel:    "line",
			ChatID:     chatID,
			SenderID:   ev.Source.UserID,
			Content:    ev.Message.Text,
			ReplyToken: ev.ReplyToken,
			Timestamp:  time.UnixMilli(ev.Timestamp),
		})
	}

	rw.WriteHeader(http.StatusOK)
}

// verifySignature checks X-Line-Signature: base64(HMAC-SHA256(secret, body)).
func (l *Line) verifySignature(body []byte, signature string) bool {
	if l.channelSecret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(l.channelSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// deliver sends a reply, preferring the reply token. Charts go out as an
// image message followed by the caption text.
func (l *Line) deliver(msg domain.OutboundMessage) error {
	var messages []lineMessage
	if msg.Content != "" {
		messages = append(messages, lineMessage{Type: "text", Text: msg.Content})
	}
	if msg.ImageURL != "" {
		messages = append(messages, lineMessage{
			Type:               "image",
			OriginalContentURL: msg.ImageURL,
			PreviewImageURL:    msg.ImageURL,
		})
	}
	if len(messages) == 0 {
		return nil
	}

	if msg.ReplyToken != "" {
		if err := l.reply(msg.ReplyToken, messages); err == nil {
			return nil
		} else {
			l.logger.Warn("line reply failed, falling back to push", "err", err)
		}
	}
	return l.push(msg.ChatID, messages)
}

func (l *Line) reply(replyToken string, messages []lineMessage) error {
	return l.post("/message/reply", map[string]any{
		"replyToken": replyToken,
		"messages":   messages,
	})
}

func (l *Line) push(to string, messages []lineMessage) error {
	return l.post("/message/push", map[string]any{
		"to":       to,
		"messages": messages,
	})
}

func (l *Line) post(path string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal line payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, l.apiBase+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.channelToken)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("line API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("line API returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}
