package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"villagehub.org/internal/audit"
	"villagehub.org/internal/byok"
	"villagehub.org/internal/obs"
)

type keyStatusRequest struct {
	IsValid *bool  `json:"is_valid"`
	Reason  string `json:"reason"`
}

// usageRequest keeps records raw so one malformed record cannot fail the batch.
type usageRequest struct {
	Records []json.RawMessage `json:"records"`
}

func (a *API) handleEligibleKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.keys.ListEligible(r.Context())
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (a *API) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.keys.ListAll(r.Context())
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	masked := make([]byok.Credential, 0, len(keys))
	for _, k := range keys {
		masked = append(masked, k.Masked())
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": masked})
}

func (a *API) handleKeyStatus(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")
	var req keyStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeErr(w, r, err)
		return
	}
	if req.IsValid == nil {
		writeError(w, r, http.StatusBadRequest, "is_valid is required")
		return
	}
	var err error
	if *req.IsValid {
		err = a.keys.ReportValid(r.Context(), keyID)
	} else {
		err = a.keys.ReportInvalid(r.Context(), keyID, req.Reason)
	}
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "byok.key.status", map[string]any{
		"key_id":   keyID,
		"is_valid": *req.IsValid,
		"reason":   req.Reason,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		a.writeErr(w, r, badRequest("invalid JSON body"))
		return
	}
	if req.Records == nil {
		writeError(w, r, http.StatusBadRequest, "records is required")
		return
	}
	records := make([]byok.UsageRecord, 0, len(req.Records))
	for i, raw := range req.Records {
		var rec byok.UsageRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			a.log.Info("usage record skipped",
				zap.String("request_id", obs.RequestIDFromContext(r.Context())),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		records = append(records, rec)
	}
	upserted, err := a.keys.ReportUsage(r.Context(), records)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "upserted": upserted})
}
