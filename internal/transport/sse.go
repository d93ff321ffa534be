package transport

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/forrst-rpc/forrstd/internal/stream"
	"github.com/forrst-rpc/forrstd/model"
)

// serveStream writes a chunked response as server-sent events. The
// producer's context is derived from the connection, so a client
// disconnect cancels production promptly.
func (h *RPCHandler) serveStream(w http.ResponseWriter, r *http.Request, src *stream.Source) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming requested on a non-flushable connection",
			zap.String("request_id", src.Request.ID))
		writeResponse(w, streamUnsupportedResponse(src))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for chunk := range src.Run(ctx) {
		if err := writeEvent(w, chunk); err != nil {
			break
		}
		flusher.Flush()
		if h.metrics != nil {
			h.metrics.StreamChunksTotal.Inc()
		}
	}

	if ctx.Err() != nil {
		if h.metrics != nil {
			h.metrics.StreamDisconnectsTotal.Inc()
		}
		h.logger.Debug("stream client disconnected",
			zap.String("request_id", src.Request.ID))
	}
}

func streamUnsupportedResponse(src *stream.Source) *model.Response {
	return model.NewErrorResponse(src.Request.Protocol, src.Request.ID,
		model.NewInternalError())
}

// writeEvent serialises one chunk in SSE framing.
func writeEvent(w http.ResponseWriter, chunk stream.Chunk) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", chunk.Event); err != nil {
		return err
	}
	payload, err := json.Marshal(chunk.Payload)
	if err != nil {
		payload = []byte("null")
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
