package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/loglineos/core/pkg/auth"
	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/registry"
	"github.com/loglineos/core/pkg/stage0"
)

// maxQueryLimit caps one records page.
const maxQueryLimit = 100

func (s *Server) handleBoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req stage0.BootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	// The session middleware resolved the caller; the body may restate it
	// but must not contradict it.
	sess, err := auth.SessionFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "no session identity")
		return
	}
	if req.UserID == "" {
		req.UserID = sess.UserID
	}
	if req.TenantID == "" {
		req.TenantID = sess.TenantID
	}
	if req.UserID != sess.UserID || (req.TenantID != "" && sess.TenantID != "" && req.TenantID != sess.TenantID) {
		WriteForbidden(w, "boot identity does not match session")
		return
	}
	if req.TraceID == "" {
		req.TraceID = r.Header.Get(auth.HeaderTraceID)
	}

	result, err := s.loader.Boot(r.Context(), req)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.ingestRecord(w, r)
	case http.MethodGet:
		s.queryRecords(w, r)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) ingestRecord(w http.ResponseWriter, r *http.Request) {
	sess, err := auth.SessionFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "no session identity")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var rec record.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		WriteBadRequest(w, "invalid record body")
		return
	}
	if rec.ID == "" {
		rec.ID = record.NewID()
	}
	if rec.OwnerID == "" {
		rec.OwnerID = sess.UserID
	}
	if rec.Who == "" {
		rec.Who = sess.UserID
	}
	if rec.TenantID == "" {
		rec.TenantID = sess.TenantID
	}
	if rec.Visibility == "" {
		rec.Visibility = record.VisibilityTenant
		if sess.TenantID == "" {
			rec.Visibility = record.VisibilityPrivate
		}
	}
	if rec.TraceID == "" {
		rec.TraceID = r.Header.Get(auth.HeaderTraceID)
	}

	if err := s.store.Insert(r.Context(), sess, &rec); err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &rec)
}

func (s *Server) queryRecords(w http.ResponseWriter, r *http.Request) {
	sess, err := auth.SessionFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "no session identity")
		return
	}

	q := registry.Query{
		EntityType: record.EntityType(r.URL.Query().Get("entity_type")),
		Status:     r.URL.Query().Get("status"),
		OwnerID:    r.URL.Query().Get("owner_id"),
		Visibility: record.Visibility(r.URL.Query().Get("visibility")),
		Limit:      50,
	}
	if q.Visibility != "" && !q.Visibility.Valid() {
		WriteBadRequest(w, "unknown visibility")
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxQueryLimit {
			WriteBadRequest(w, "limit must be between 1 and 100")
			return
		}
		q.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			WriteBadRequest(w, "offset must be a non-negative integer")
			return
		}
		q.Offset = offset
	}

	rows, err := s.store.Select(r.Context(), sess, q)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	if rows == nil {
		rows = []record.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": rows,
		"count":   len(rows),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
