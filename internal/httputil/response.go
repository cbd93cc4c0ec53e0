package httputil

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labcv/labcv/internal/logging"
)

// ErrorResponse is the JSON body of every error answer.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteJSON writes data as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// WriteErrorResponse writes a structured error carrying the request trace ID.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	resp := ErrorResponse{Error: message, Code: code, Details: details}
	if r != nil {
		resp.TraceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, status, resp)
}

// Unauthorized writes a 401 answer.
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Debes iniciar sesión"
	}
	WriteJSON(w, http.StatusUnauthorized, ErrorResponse{Error: message, Code: "UNAUTHORIZED"})
}

// WriteFile streams a binary attachment.
func WriteFile(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	if filename != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// DecodeJSON decodes a request body, rejecting unknown fields.
func DecodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
