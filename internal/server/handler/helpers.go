package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Reason: reason})
}

// writeErr maps err onto a status code and error body. Structured
// rejections carry their kind; anything unclassified is logged and
// reported as an internal error without detail.
func writeErr(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, reason := classify(err)
	body := errorBody{Error: err.Error(), Kind: string(domain.KindOf(err)), Reason: reason}

	var de *domain.Error
	if errors.As(err, &de) {
		body.Error = de.Error()
		body.Reason = de.Code()
	}
	if status == http.StatusInternalServerError && body.Kind == "" {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		body.Error = "internal server error"
	}
	writeJSON(w, status, body)
}

// classify returns the HTTP status and reason code for err.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict, "busy"
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	}
	switch domain.KindOf(err) {
	case domain.KindAuthentication:
		return http.StatusUnauthorized, "unauthorized"
	case domain.KindValidation:
		return http.StatusBadRequest, "invalid"
	case domain.KindUser:
		return http.StatusConflict, "rejected"
	case domain.KindExternalDependency:
		return http.StatusBadGateway, "external"
	}
	return http.StatusInternalServerError, "internal"
}

// decodeBody decodes a bounded JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed", "invalid request body: "+err.Error())
		return false
	}
	return true
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// bookKey reads the {market} and {outcome} path parameters.
func bookKey(r *http.Request) (domain.BookKey, error) {
	outcome, err := strconv.Atoi(r.PathValue("outcome"))
	if err != nil {
		return domain.BookKey{}, domain.Reject(domain.ErrMalformed, "outcome %q is not a number", r.PathValue("outcome"))
	}
	return domain.BookKey{MarketID: r.PathValue("market"), Outcome: outcome}, nil
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
