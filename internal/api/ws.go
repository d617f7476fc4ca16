package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kalambet/vprof/internal/bus"
	"github.com/kalambet/vprof/internal/page"
)

// sessionContext lives as long as the request and ends early on shutdown.
func sessionContext(deps Deps, r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(deps.base(), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// handleBus upgrades a page content script. ?tab= names the browser tab
// the page lives in.
func handleBus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tab, err := strconv.Atoi(r.URL.Query().Get("tab"))
		if err != nil || tab < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "tab must be a non-negative integer")
			return
		}
		ctx, cancel := sessionContext(deps, r)
		defer cancel()

		srv := bus.Server(func(conn *bus.Conn) {
			if err := page.Serve(ctx, conn, tab, deps.Router, deps.Overlays); err != nil {
				slog.Warn("page session ended", "tab", tab, "error", err)
			}
		})
		srv.ServeHTTP(w, r)
	}
}

// handleHost upgrades the browser peer that fulfils platform calls. A new
// peer replaces the previous one.
func handleHost(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := sessionContext(deps, r)
		defer cancel()

		srv := bus.Server(func(conn *bus.Conn) {
			if err := deps.Host.Serve(ctx, conn); err != nil {
				slog.Warn("host session ended", "error", err)
			}
		})
		srv.ServeHTTP(w, r)
	}
}
