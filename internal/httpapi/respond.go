package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"villagehub.org/internal/auth"
	"villagehub.org/internal/byok"
	"villagehub.org/internal/obs"
	"villagehub.org/internal/settings"
	"villagehub.org/internal/upstream"
)

type errorBody struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// unauthorizedBody is sent for every authentication failure, byte for byte.
var unauthorizedBody = []byte(`{"error":"unauthorized"}` + "\n")

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRaw relays a JSON body that is already encoded. An empty body sends only the status.
func writeRaw(w http.ResponseWriter, code int, body []byte) {
	if len(body) == 0 {
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorDetail(w, r, code, msg, "")
}

func writeErrorDetail(w http.ResponseWriter, r *http.Request, code int, msg, detail string) {
	writeJSON(w, code, errorBody{
		Error:     msg,
		Detail:    detail,
		RequestID: obs.RequestIDFromContext(r.Context()),
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="villagehub"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write(unauthorizedBody)
}

// writeErr maps domain errors onto the error envelope. Anything unrecognised is a
// 500 whose cause is logged and never sent to the client.
func (a *API) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		maxBytes *http.MaxBytesError
		syntax   *json.SyntaxError
		typeErr  *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		writeUnauthorized(w)
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrScopeRequired):
		writeError(w, r, http.StatusBadRequest, "village_id is required")
	case errors.Is(err, errVillageNotFound):
		writeError(w, r, http.StatusNotFound, "village not found")
	case errors.Is(err, byok.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "key not found")
	case errors.Is(err, settings.ErrVersionConflict):
		writeError(w, r, http.StatusConflict, "settings were changed by someone else")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, byok.ErrInvalidInput), errors.Is(err, settings.ErrInvalidInput),
		errors.Is(err, errBadRequest):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.As(err, &maxBytes):
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.As(err, &syntax), errors.As(err, &typeErr):
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
	case errors.Is(err, upstream.ErrUnavailable):
		a.log.Warn("downstream unavailable", zap.String("request_id", obs.RequestIDFromContext(r.Context())), zap.Error(err))
		writeErrorDetail(w, r, http.StatusServiceUnavailable, "service unavailable", "downstream service did not respond")
	case errors.Is(err, upstream.ErrBadResponse):
		a.log.Warn("downstream bad response", zap.String("request_id", obs.RequestIDFromContext(r.Context())), zap.Error(err))
		writeErrorDetail(w, r, http.StatusBadGateway, "bad gateway", "downstream service returned an invalid response")
	default:
		a.log.Error("request failed",
			zap.String("request_id", obs.RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// errBadRequest marks handler-level validation failures.
var errBadRequest = errors.New("bad request")

type badRequest string

func (e badRequest) Error() string        { return string(e) }
func (e badRequest) Is(target error) bool { return target == errBadRequest }

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body is required")
		}
		var (
			maxBytes *http.MaxBytesError
			syntax   *json.SyntaxError
			typeErr  *json.UnmarshalTypeError
		)
		if errors.As(err, &maxBytes) || errors.As(err, &syntax) || errors.As(err, &typeErr) {
			return err
		}
		return badRequest(err.Error())
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return badRequest("unexpected data after JSON body")
		}
		return badRequest(err.Error())
	}
	return nil
}
