package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

type principalKey struct{}

// WithPrincipal stores the authenticated caller name on ctx.
func WithPrincipal(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, principalKey{}, name)
}

// Principal returns the caller name set by the auth middleware, or "".
func Principal(r *http.Request) string {
	if v, ok := r.Context().Value(principalKey{}).(string); ok {
		return v
	}
	return ""
}

type errorBody struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

func StatusForKind(kind string) int {
	switch kind {
	case utils.KindValidation:
		return http.StatusBadRequest
	case utils.KindNotFound:
		return http.StatusNotFound
	case utils.KindForbidden:
		return http.StatusForbidden
	case utils.KindConflict:
		return http.StatusConflict
	case utils.KindUnauthorized:
		return http.StatusUnauthorized
	case utils.KindRateLimited:
		return http.StatusTooManyRequests
	case utils.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorKind writes {"error":{"kind","reason"}} with the status mapped from kind.
func WriteErrorKind(w http.ResponseWriter, kind, reason string) {
	writeJSON(w, StatusForKind(kind), map[string]errorBody{"error": {Kind: kind, Reason: reason}})
}

func writeError(w http.ResponseWriter, logger *utils.Logger, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		WriteErrorKind(w, utils.KindPayloadTooLarge, "request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
		return
	case errors.Is(err, store.ErrNotFound):
		WriteErrorKind(w, utils.KindNotFound, "not found")
		return
	case errors.Is(err, store.ErrConflict):
		WriteErrorKind(w, utils.KindConflict, "conflict")
		return
	}
	var de *utils.DomainError
	if errors.As(err, &de) {
		WriteErrorKind(w, de.Kind, de.Reason)
		return
	}
	logger.Errorf("handler: %v", err)
	WriteErrorKind(w, utils.KindInternal, "internal error")
}

// WriteError maps err to a structured error body. Unknown errors are logged and
// reported as internal.
func WriteError(w http.ResponseWriter, logger *utils.Logger, err error) {
	writeError(w, logger, err)
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes the body into dst keeping numbers as json.Number.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return utils.Validation("request body is required")
		}
		return utils.Validation("invalid json: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryFloat(r *http.Request, key string, def float64) float64 {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}

func eventFilter(r *http.Request) store.EventFilter {
	q := r.URL.Query()
	return store.EventFilter{
		AgentID: strings.TrimSpace(q.Get("agent_id")),
		IP:      strings.TrimSpace(q.Get("ip")),
		Limit:   queryInt(r, "limit", 100),
	}
}

// actor picks the explicit name from the body, falling back to the authenticated caller.
func actor(r *http.Request, explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	return Principal(r)
}
