package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"stockbot/internal/domain"
	"stockbot/internal/metrics"
)

const apiMaxBodySize = 1 << 20 // 1MB

// DirectProcessor handles a message synchronously and returns the reply
// text. Implemented by the dispatcher.
type DirectProcessor interface {
	ProcessDirect(ctx context.Context, content, channel, chatID string) (string, error)
}

// API exposes the bot over plain REST: POST /chat for free-form messages,
// GET /price/{code} and GET /news for the common lookups, plus /healthz
// and /metrics.
type API struct {
	host      string
	port      int
	processor DirectProcessor
	logger    *slog.Logger
	server    *http.Server
}

type APIChannelConfig struct {
	Host      string
	Port      int
	Processor DirectProcessor
	Logger    *slog.Logger
}

func NewAPI(cfg APIChannelConfig) *API {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	return &API{
		host:      cfg.Host,
		port:      cfg.Port,
		processor: cfg.Processor,
		logger:    cfg.Logger,
	}
}

func (a *API) Name() string { return "api" }

func (a *API) Start(ctx context.Context, bus domain.MessageBus) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", a.handleChat)
	mux.HandleFunc("GET /price/{code}", a.handlePrice)
	mux.HandleFunc("GET /news", a.handleNews)
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.Handle("GET /metrics", metrics.Collector.Handler())

	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	a.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      150 * time.Second, // allow time for LLM responses
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	a.logger.Info("REST API started", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.server.Shutdown(shutdownCtx)
	}()

	if err := a.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *API) Stop() error {
	if a.server != nil {
		return a.server.Close()
	}
	return nil
}

func (a *API) Send(ctx context.Context, chatID string, content string) error {
	return nil
}

type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

func (a *API) handleChat(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, apiMaxBodySize))
	if err != nil {
		writeAPIError(rw, http.StatusBadRequest, "bad request")
		return
	}
	defer r.Body.Close()

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIError(rw, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeAPIError(rw, http.StatusBadRequest, "message is required")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = "api-default"
	}

	a.respond(rw, r, req.Message, userID)
}

func (a *API) handlePrice(rw http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		writeAPIError(rw, http.StatusBadRequest, "stock code is required")
		return
	}
	a.respond(rw, r, code+" 股價", "api-default")
}

func (a *API) handleNews(rw http.ResponseWriter, r *http.Request) {
	keyword := strings.TrimSpace(r.URL.Query().Get("q"))
	if keyword == "" {
		writeAPIError(rw, http.StatusBadRequest, "query parameter q is required")
		return
	}
	a.respond(rw, r, keyword+" 新聞", "api-default")
}

func (a *API) handleHealthz(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]string{"status": "ok"})
}

func (a *API) respond(rw http.ResponseWriter, r *http.Request, content, userID string) {
	reply, err := a.processor.ProcessDirect(r.Context(), content, "api", userID)
	if err != nil {
		a.logger.Error("api request failed", "err", err)
		writeAPIError(rw, http.StatusBadGateway, "upstream adapter failed")
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(chatResponse{Reply: reply})
}

func writeAPIError(rw http.ResponseWriter, status int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(map[string]string{"error": msg})
}
