package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lkarlslund/poolrouter/pkg/accounts"
	"github.com/lkarlslund/poolrouter/pkg/budget"
	"github.com/lkarlslund/poolrouter/pkg/config"
	"github.com/lkarlslund/poolrouter/pkg/dispatch"
)

var (
	ErrAlreadyRunning = errors.New("proxy is already running")
	ErrNotRunning     = errors.New("proxy is not running")
)

// LifecycleError reports a failed start, stop or restart. The service keeps
// the state it had before the call.
type LifecycleError struct {
	Op  string
	Err error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("proxy %s: %v", e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps typed errors onto control API status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		validation *config.ValidationError
		lifecycle  *LifecycleError
		bad        *badRequestError
		denied     *budget.DeniedError
		exhausted  *dispatch.UpstreamExhaustedError
	)
	switch {
	case errors.As(err, &validation):
		body := map[string]string{"error": validation.Error()}
		if validation.Field != "" {
			body["field"] = validation.Field
		}
		writeJSON(w, http.StatusBadRequest, body)
	case errors.As(err, &bad):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": bad.msg})
	case errors.Is(err, errUnauthorized):
		writeUnauthorized(w)
	case errors.Is(err, accounts.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &lifecycle):
		writeJSON(w, http.StatusConflict, map[string]string{"error": lifecycle.Error()})
	case errors.As(err, &denied) && budget.IsRequestTooLarge(err):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": denied.Error()})
	case errors.As(err, &exhausted):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": exhausted.Error(), "attempts": exhausted.Attempts})
	default:
		slog.Error("control api request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}
