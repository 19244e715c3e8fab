package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-orchestrator/internal/approval"
	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/intake"
	"github.com/kubilitics/kubilitics-orchestrator/internal/investigation"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryLimit(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports not ready only when the store is unreachable. Cases
// still flow with every provider down; they are routed to approval.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	inference := s.deps.Health.AnyUsable()
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.logger.Warn("Readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "database": false, "inference": inference})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "database": true, "inference": inference})
}

// ─── Cases ────────────────────────────────────────────────────────────────────

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.CaseFilter{
		TenantID:    q.Get("tenant"),
		NonTerminal: q.Get("open") == "true",
		Limit:       queryLimit(r, 100),
	}
	if v := q.Get("stage"); v != "" {
		f.Stage = models.Stage(v)
		if !f.Stage.Valid() {
			writeError(w, http.StatusBadRequest, "unknown stage "+strconv.Quote(v))
			return
		}
	}
	cases, err := s.deps.Store.ListCases(r.Context(), f)
	if err != nil {
		s.logger.Error("List cases failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list cases")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases, "count": len(cases)})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Store.GetCase(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load case")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request) {
	rep, err := investigation.ReplayCase(r.Context(), s.deps.Store, mux.Vars(r)["id"])
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load case")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case_id":   rep.Case.ID,
		"stage":     rep.Case.Stage,
		"outcome":   rep.Case.Outcome,
		"path":      rep.Path,
		"trail":     rep.Case.Trail,
		"conforms":  rep.Violation == "",
		"violation": rep.Violation,
	})
}

// ─── Approvals ────────────────────────────────────────────────────────────────

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Gate.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no approval request for case")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load approval")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ResolveRequest is the body of an approval decision.
type ResolveRequest struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var body ResolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decision, err := approval.ParseDecision(body.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	caseID := mux.Vars(r)["id"]
	req, err := s.deps.Gate.Resolve(r.Context(), caseID, decision, body.Actor)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, req)
	case errors.Is(err, approval.ErrNotAwaitingApproval), errors.Is(err, approval.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, approval.ErrApprovalExpired):
		writeError(w, http.StatusGone, err.Error())
	default:
		s.logger.Error("Resolve approval failed", zap.String("case_id", caseID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resolve approval")
	}
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := models.ApprovalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.ApprovalPending
	}
	reqs, err := s.deps.Store.ListApprovals(r.Context(), status, queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list approvals")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": reqs, "count": len(reqs)})
}

// ─── Runtime state ────────────────────────────────────────────────────────────

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers":  s.deps.Health.Snapshot(),
		"any_usable": s.deps.Health.AnyUsable(),
	})
}

func (s *Server) handleLanes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"lanes": s.deps.Scheduler.Stats()})
}

// ─── Intake ───────────────────────────────────────────────────────────────────

// IntakeResponse tells the caller where its message was stored.
type IntakeResponse struct {
	CaseID    string `json:"case_id"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	var msg models.IntakeMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg.CaseID == "" {
		msg.CaseID = uuid.NewString()
	}
	partition, offset, err := intake.Publish(r.Context(), s.deps.Intake, msg)
	if errors.Is(err, intake.ErrMalformed) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("Intake append failed", zap.String("case_id", msg.CaseID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to accept case")
		return
	}
	writeJSON(w, http.StatusAccepted, IntakeResponse{CaseID: msg.CaseID, Partition: partition, Offset: offset})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dl, err := s.deps.Intake.DeadLetters(r.Context(), queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dl, "count": len(dl)})
}

// ─── Audit ────────────────────────────────────────────────────────────────────

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := s.deps.Store.QueryAuditEvents(r.Context(), db.AuditQuery{
		CorrelationID: q.Get("case_id"),
		EventType:     q.Get("type"),
		Limit:         queryLimit(r, 200),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": recs, "count": len(recs)})
}
