package server

import (
	"encoding/json"
	"net/http"
)

// Error codes returned in the "error" field of failure responses.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeResolution     = "resolution"
	CodeSpawn          = "spawn"
	CodeInvalid        = "invalid"
	CodeStorage        = "storage"
	CodeParse          = "parse"
	CodeCredential     = "credential"
	CodeInternal       = "internal"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

// writeError writes a JSON error response with the given code and message.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// decodeJSON strictly decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
