package httpapi

import (
	"net/http"

	"villagehub.org/internal/audit"
	"villagehub.org/internal/auth"
)

type settingsRequest struct {
	Values  map[string]any `json:"values"`
	Version *int64         `json:"version"`
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cur, err := a.settings.Get(r.Context())
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

func (a *API) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeErr(w, r, err)
		return
	}
	if req.Version == nil {
		writeError(w, r, http.StatusBadRequest, "version is required")
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	saved, err := a.settings.Update(r.Context(), req.Values, *req.Version, id.ID)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "settings.update", map[string]any{"version": saved.Version})
	writeJSON(w, http.StatusOK, saved)
}
