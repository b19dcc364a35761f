package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents streams registry events as server-sent events, optionally
// filtered to one basket via ?basket=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "event stream not enabled"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming not supported"})
		return
	}

	basketFilter := r.URL.Query().Get("basket")
	if basketFilter != "" {
		if _, err := parseKey(basketFilter, "basket"); err != nil {
			writeError(w, s.log, err)
			return
		}
	}

	ch := s.cfg.Bus.Subscribe()
	defer s.cfg.Bus.Unsubscribe(ch)

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if basketFilter != "" && evt.Basket.String() != basketFilter {
				continue
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.log.Error("server: marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}
