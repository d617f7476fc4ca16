package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/vprof/internal/bus"
	"github.com/kalambet/vprof/internal/capture"
	"github.com/kalambet/vprof/internal/contextbuf"
	"github.com/kalambet/vprof/internal/overlay"
	"github.com/kalambet/vprof/internal/panel"
	"github.com/kalambet/vprof/internal/recording"
	"github.com/kalambet/vprof/internal/services"
	"github.com/kalambet/vprof/internal/session"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxUploadSize      = 64 << 20 // 64MB
)

// PanelUI is the panel endpoint as driven by the panel page.
type PanelUI interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Ask(ctx context.Context, question string) (panel.Exchange, error)
}

// CaptureControl is the capture coordinator.
type CaptureControl interface {
	Status() capture.Session
	StartRegionCapture(ctx context.Context) error
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) (recording.Summary, error)
	HandleUpload(ctx context.Context, f services.File) error
}

// HostPeer serves the browser peer that fulfils platform calls.
type HostPeer interface {
	Serve(ctx context.Context, conn *bus.Conn) error
}

// TabState reports the background coordinator's per-tab state.
type TabState interface {
	OpenTabs() []int
	IsOpen(tab int) bool
	IsArmed(tab int) bool
}

// Deps holds what the HTTP surface needs. Base bounds work that outlives a
// request (region captures, WebSocket sessions); it is cancelled on
// shutdown.
type Deps struct {
	Token    string
	Chats    *session.Store
	Context  *contextbuf.Buffer
	Panel    PanelUI
	Capture  CaptureControl
	Router   *bus.Router
	Overlays *overlay.Registry
	Host     HostPeer
	Tabs     TabState
	Base     context.Context
}

func (d Deps) base() context.Context {
	if d.Base == nil {
		return context.Background()
	}
	return d.Base
}

// NewHandler returns the daemon's HTTP API. /health is unauthenticated;
// everything else requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/chats", handleListChats(deps))
		r.Post("/chats", handleCreateChat(deps))
		r.Get("/chats/active", handleActiveChat(deps))
		r.Get("/chats/{id}", handleGetChat(deps))
		r.Patch("/chats/{id}", handlePatchChat(deps))
		r.Delete("/chats/{id}", handleDeleteChat(deps))
		r.Post("/chats/{id}/activate", handleActivateChat(deps))

		r.Get("/context", handleGetContext(deps))
		r.Put("/context", handlePutContext(deps))
		r.Post("/context", handleAppendContext(deps))

		r.Post("/ask", handleAsk(deps))
		r.Post("/panel/open", handlePanelOpen(deps))
		r.Post("/panel/close", handlePanelClose(deps))

		r.Get("/tabs", handleListTabs(deps))
		r.Get("/tabs/{tab}", handleGetTab(deps))

		r.Get("/capture", handleCaptureStatus(deps))
		r.Post("/capture/region", handleRegionCapture(deps))
		r.Post("/capture/recording/start", handleRecordingStart(deps))
		r.Post("/capture/recording/stop", handleRecordingStop(deps))
		r.Post("/capture/upload", handleUpload(deps))

		r.Get("/bus", handleBus(deps))
		r.Get("/host", handleHost(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
