// Package respond writes the JSON envelopes shared by all handlers.
package respond

import (
	"encoding/json"
	"net/http"

	"github.com/wb-go/wbf/zlog"
)

type dataResponse struct {
	Data interface{} `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// OK writes a 200 response with the value under "data".
func OK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, dataResponse{Data: data})
}

// Created writes a 201 response with the value under "data".
func Created(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusCreated, dataResponse{Data: data})
}

// Fail writes an error response with the message under "error".
func Fail(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to encode response body")
	}
}
