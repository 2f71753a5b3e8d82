// httputil/json.go
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"

	"go.uber.org/zap"
)

// ErrorResponse is the JSON error envelope every gateway error uses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// jsonLogger reports encoding failures. Use SetJSONLogger to configure.
var jsonLogger = zap.NewNop()

// SetJSONLogger configures the logger used for JSON encoding errors.
// This should be called once during application startup.
func SetJSONLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	jsonLogger = logger
}

// WriteJSON writes v as JSON with the given status code.
// Invalid status codes (outside 100-599) are clamped to 500.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	if status < 100 || status > 599 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		// headers are gone; all we can do is report it
		typeName := "nil"
		if v != nil {
			typeName = reflect.TypeOf(v).String()
		}
		jsonLogger.Error("json encoding failed after headers sent",
			zap.String("type", typeName), zap.Error(err))
	}
}

// JSONError writes an ErrorResponse.
func JSONError(w http.ResponseWriter, status int, label, message string) {
	WriteJSON(w, status, ErrorResponse{Error: label, Message: message})
}

// StatusError writes an ErrorResponse labelled with the status text and
// carrying the standard description of the status.
func StatusError(w http.ResponseWriter, status int) {
	JSONError(w, status, StatusLabel(status), StatusDescription(status))
}

// StatusLabel is the reason phrase for status, e.g. "Not Found".
func StatusLabel(status int) string {
	if s := http.StatusText(status); s != "" {
		return s
	}
	return fmt.Sprintf("HTTP %d", status)
}

var descriptions = map[int]string{
	http.StatusBadRequest: "The browser (or proxy) sent a request that this server could not understand.",
	http.StatusUnauthorized: "The server could not verify that you are authorized to access the URL requested. " +
		"You either supplied the wrong credentials (e.g. a bad password), or your browser doesn't understand " +
		"how to supply the credentials required.",
	http.StatusForbidden: "You don't have the permission to access the requested resource. " +
		"It is either read-protected or not readable by the server.",
	http.StatusNotFound: "The requested URL was not found on the server. " +
		"If you entered the URL manually please check your spelling and try again.",
	http.StatusMethodNotAllowed:      "The method is not allowed for the requested URL.",
	http.StatusRequestEntityTooLarge: "The data value transmitted exceeds the capacity limit.",
	http.StatusInternalServerError: "The server encountered an internal error and was unable to complete your request. " +
		"Either the server is overloaded or there is an error in the application.",
	http.StatusBadGateway:         "The proxy server received an invalid response from an upstream server.",
	http.StatusServiceUnavailable: "The server is temporarily unable to service your request due to maintenance downtime or capacity problems. Please try again later.",
	http.StatusGatewayTimeout:     "The connection to an upstream server timed out.",
}

// StatusDescription is the human-readable explanation of status. Statuses
// without a description fall back to the label.
func StatusDescription(status int) string {
	if d, ok := descriptions[status]; ok {
		return d
	}
	return StatusLabel(status)
}
