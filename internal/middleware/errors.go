package middleware

import (
	"encoding/json"
	"net/http"
)

// writeError writes the agent's JSON error envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	body, _ := json.Marshal(map[string]string{"error": message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
