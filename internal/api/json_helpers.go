package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"bitriver-vod/internal/pipeline"
)

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
	JobID    string `json:"jobId,omitempty"`
}

// writeJSON encodes payload before touching the response so an encoding
// failure still produces a clean 500. Job state changes between requests, so
// responses are never cacheable.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	header := w.Header()
	header.Set("Cache-Control", "no-store")
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"failed to encode response"}`)
	}
	body = append(body, '\n')
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeJobError reports a failure tied to a job that was already assigned an
// ID, so clients can look it up later.
func writeJobError(w http.ResponseWriter, status int, category pipeline.Category, jobID, message string) {
	writeJSON(w, status, errorResponse{Error: message, Category: string(category), JobID: jobID})
}

// WriteError lets middleware outside this package answer with the API's
// error shape.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}
