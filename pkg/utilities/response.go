package utilities

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account/pkg/apperror"
)

// Envelope is the body of every successful response.
type Envelope struct {
	StatusCode int    `json:"statusCode"`
	Data       any    `json:"data"`
	Message    string `json:"message"`
	Success    bool   `json:"success"`
}

// ErrorEnvelope is the body of every failed response.
type ErrorEnvelope struct {
	StatusCode int      `json:"statusCode"`
	Message    string   `json:"message"`
	Success    bool     `json:"success"`
	Errors     []string `json:"errors"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteData wraps data in the success envelope.
func WriteData(w http.ResponseWriter, status int, data any, message string) {
	if data == nil {
		data = struct{}{}
	}
	WriteJSON(w, status, Envelope{StatusCode: status, Data: data, Message: message, Success: status < 400})
}

// WriteError resolves err through the apperror table. Server side failures are
// logged with their cause; client errors only at debug.
func WriteError(w http.ResponseWriter, logger *zap.SugaredLogger, r *http.Request, err error) {
	status, msg := apperror.Response(err)
	if logger != nil {
		fields := []any{"method", r.Method, "path", r.URL.Path, "status", status, "err", err}
		if id := w.Header().Get("X-Request-ID"); id != "" {
			fields = append(fields, "request_id", id)
		}
		if status >= 500 {
			logger.Errorw("request failed", fields...)
		} else {
			logger.Debugw("request rejected", fields...)
		}
	}
	WriteJSON(w, status, ErrorEnvelope{StatusCode: status, Message: msg, Success: false, Errors: []string{}})
}
