package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type tabView struct {
	Tab       int  `json:"tab"`
	PanelOpen bool `json:"panelOpen"`
	Armed     bool `json:"armed"`
}

func handleListTabs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]int{"open": deps.Tabs.OpenTabs()})
	}
}

func handleGetTab(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tab, err := strconv.Atoi(chi.URLParam(r, "tab"))
		if err != nil || tab < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "tab must be a non-negative integer")
			return
		}
		writeJSON(w, http.StatusOK, tabView{
			Tab:       tab,
			PanelOpen: deps.Tabs.IsOpen(tab),
			Armed:     deps.Tabs.IsArmed(tab),
		})
	}
}
