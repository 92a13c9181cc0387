package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loglineos/core/pkg/auth"
	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/registry"
)

// streamPingInterval keeps idle SSE connections alive through proxies.
const streamPingInterval = 30 * time.Second

// handleStream serves the timeline as server-sent events. Rows the caller
// may not read are filtered per the session's visibility before emission.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	sess, err := auth.SessionFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "no session identity")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteInternal(w, fmt.Errorf("response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.store.Subscribe(r.Context())
	pings := time.NewTicker(streamPingInterval)
	defer pings.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-pings.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case row, open := <-events:
			if !open {
				return
			}
			if !visibleTo(sess, &row) {
				continue
			}
			payload, err := json.Marshal(&row)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: record\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// visibleTo applies the row-level visibility rule to a streamed row.
func visibleTo(sess registry.Session, r *record.Record) bool {
	if r.IsDeleted {
		return false
	}
	if r.OwnerID == sess.UserID {
		return true
	}
	switch r.Visibility {
	case record.VisibilityPublic:
		return true
	case record.VisibilityTenant:
		return sess.TenantID != "" && r.TenantID == sess.TenantID
	}
	return false
}
