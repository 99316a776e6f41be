package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// fallback for the case where marshaling the real response fails.
var fallbackErrorResponse = []byte(`{"error":"internal server error"}`)

func errorResponse(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeJSONResponse marshals before writing headers so encoding failures can
// still produce a clean 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}
