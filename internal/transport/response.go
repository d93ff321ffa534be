// Package transport carries Forrst requests over HTTP: a single RPC
// endpoint, SSE for streamed responses, and the health and metrics
// surfaces.
package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/forrst-rpc/forrstd/model"
)

// writeResponse serialises a wire response. The HTTP status mirrors the
// first error object's status; success is always 200.
func writeResponse(w http.ResponseWriter, resp *model.Response) {
	status := http.StatusOK
	if !resp.OK() {
		if s, err := strconv.Atoi(resp.Errors[0].Status); err == nil {
			status = s
		} else {
			status = http.StatusInternalServerError
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeWireError wraps a bare error object in a minimal response envelope
// for failures that happen outside the orchestrator, like a disallowed
// method.
func writeWireError(w http.ResponseWriter, proto model.Protocol, err *model.Error) {
	writeResponse(w, model.NewErrorResponse(proto, "", err))
}
