package api

import (
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/vprof/internal/contextbuf"
	"github.com/kalambet/vprof/internal/panel"
	"github.com/kalambet/vprof/internal/session"
)

// LabelNote labels context added by hand through the API.
const LabelNote = "[Note]"

type chatSummary struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	UpdatedAt     string `json:"updatedAt"`
	Messages      int    `json:"messages"`
	ContextChars  int    `json:"contextChars"`
	AttachContext bool   `json:"attachContext"`
	Active        bool   `json:"active"`
}

func handleListChats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active, _ := deps.Chats.Active()
		chats := deps.Chats.List()
		out := make([]chatSummary, len(chats))
		for i, c := range chats {
			out[i] = chatSummary{
				ID:            c.ID,
				Title:         c.Title,
				UpdatedAt:     c.UpdatedAt.UTC().Format(time.RFC3339),
				Messages:      len(c.Messages),
				ContextChars:  utf8.RuneCountInString(c.Context),
				AttachContext: c.AttachContext,
				Active:        c.ID == active.ID,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCreateChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Title string `json:"title"`
		}
		if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
			return
		}
		c, err := deps.Chats.Create(req.Title)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating chat: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func handleActiveChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := deps.Chats.Active()
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no active chat")
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleGetChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Chats.Get(chi.URLParam(r, "id"))
		if err != nil {
			chatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handlePatchChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req struct {
			Title         *string `json:"title"`
			AttachContext *bool   `json:"attachContext"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Title == nil && req.AttachContext == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "nothing to update")
			return
		}
		if req.Title != nil {
			if err := deps.Chats.Rename(id, *req.Title); err != nil {
				chatError(w, err)
				return
			}
		}
		if req.AttachContext != nil {
			if err := deps.Chats.SetAttachContext(id, *req.AttachContext); err != nil {
				chatError(w, err)
				return
			}
		}
		c, err := deps.Chats.Get(id)
		if err != nil {
			chatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleDeleteChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Chats.Delete(id); err != nil {
			chatError(w, err)
			return
		}
		deps.Context.Forget(id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleActivateChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Chats.Activate(id); err != nil {
			chatError(w, err)
			return
		}
		c, err := deps.Chats.Get(id)
		if err != nil {
			chatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

type contextView struct {
	ChatID        string `json:"chatId,omitempty"`
	Context       string `json:"context"`
	AttachContext bool   `json:"attachContext"`
	MaxChars      int    `json:"maxChars"`
}

func handleGetContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := contextView{MaxChars: deps.Context.MaxChars()}
		if c, ok := deps.Chats.Active(); ok {
			v.ChatID, v.Context, v.AttachContext = c.ID, c.Context, c.AttachContext
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// handlePutContext replaces the active chat's context with text edited by
// the user. Text over the bound keeps its most recent end.
func handlePutContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Context string `json:"context"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		c, err := deps.Chats.EnsureActive()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		text := contextbuf.Truncate(req.Context, deps.Context.MaxChars())
		if err := deps.Chats.SetContext(c.ID, text); err != nil {
			chatError(w, err)
			return
		}
		deps.Context.Forget(c.ID)
		handleGetContext(deps)(w, r)
	}
}

func handleAppendContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text  string `json:"text"`
			Label string `json:"label"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}
		if req.Label == "" {
			req.Label = LabelNote
		}
		appended, err := deps.Context.Append(req.Text, req.Label)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"appended": appended})
	}
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Question string `json:"question"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		ex, err := deps.Panel.Ask(r.Context(), req.Question)
		switch {
		case errors.Is(err, panel.ErrEmptyQuestion):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, ex)
	}
}

func handlePanelOpen(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Panel.Open(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		handleGetContext(deps)(w, r)
	}
}

func handlePanelClose(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Panel.Close(r.Context()); err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func chatError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
}
