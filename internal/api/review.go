package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/clawinfra/banditclaw/internal/store"
	"github.com/clawinfra/banditclaw/internal/variant"
)

// handleProposals lists proposals, newest first. ?status= narrows to one
// lifecycle state; the default view is the pending review queue.
func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := store.ProposalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = store.ProposalPending
	}

	props, err := s.db.Proposals(r.Context(), status, 200)
	if err != nil {
		s.logger.Error("list proposals failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, props)
}

// handleRollbacks returns recent rollback events, newest first.
func (s *Server) handleRollbacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	events, err := s.db.RollbackEvents(r.Context(), 200)
	if err != nil {
		s.logger.Error("list rollback events failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, events)
}

type reviewRequest struct {
	Decision string `json:"decision"` // "approve" or "reject"
	Agent    string `json:"agent,omitempty"`
	TaskType string `json:"taskType,omitempty"`
}

func parseReviewPath(path, prefix string) (id string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "review" {
		return "", false
	}
	return parts[0], true
}

// handleProposalReview applies a reviewer verdict to a pending proposal:
// POST /api/proposals/{id}/review. Approval registers the recommended
// variant as a candidate; it still earns activation through the safety
// monitor or an explicit variant review.
func (s *Server) handleProposalReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := parseReviewPath(r.URL.Path, "/api/proposals/")
	if !ok {
		http.Error(w, "proposal id required", http.StatusBadRequest)
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var to store.ProposalStatus
	switch req.Decision {
	case "approve":
		to = store.ProposalApproved
	case "reject":
		to = store.ProposalRejected
	default:
		http.Error(w, "decision must be approve or reject", http.StatusBadRequest)
		return
	}

	p, err := s.db.GetProposal(r.Context(), id)
	if err != nil || p == nil {
		http.Error(w, "proposal not found", http.StatusNotFound)
		return
	}

	if err := s.db.ReviewProposal(r.Context(), id, to); err != nil {
		s.logger.Warn("proposal review rejected", "id", id, "error", err)
		http.Error(w, "proposal is not pending", http.StatusConflict)
		return
	}

	if to == store.ProposalApproved {
		var v variant.Variant
		if err := json.Unmarshal(p.Variant, &v); err != nil {
			s.logger.Error("approved proposal carries malformed variant", "id", id, "error", err)
			http.Error(w, "proposal variant is malformed", http.StatusUnprocessableEntity)
			return
		}
		if err := s.engine.Registry().Add(&v); err != nil {
			s.logger.Warn("approved variant not registered", "id", id, "variant", v.ID, "error", err)
		} else if doc, err := json.Marshal(&v); err == nil {
			if err := s.db.SaveVariantDoc(r.Context(), v.ID, v.Agent, v.TaskType, string(v.Status), doc); err != nil {
				s.logger.Warn("variant metadata not persisted", "variant", v.ID, "error", err)
			}
		}
	}

	s.logger.Info("proposal reviewed", "id", id, "decision", req.Decision)
	s.respondJSON(w, map[string]string{"id": id, "status": string(to)})
}

// handleVariantReview applies a reviewer verdict to a review-tier variant:
// POST /api/variants/{id}/review with the scope in the body. Approval
// activates the variant for the scope, rejection retires it.
func (s *Server) handleVariantReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := parseReviewPath(r.URL.Path, "/api/variants/")
	if !ok {
		http.Error(w, "variant id required", http.StatusBadRequest)
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Decision != "approve" && req.Decision != "reject" {
		http.Error(w, "decision must be approve or reject", http.StatusBadRequest)
		return
	}
	if req.Agent == "" || req.TaskType == "" {
		http.Error(w, "agent and taskType required", http.StatusBadRequest)
		return
	}

	scope := variant.Scope{Agent: req.Agent, TaskType: req.TaskType}
	if err := s.engine.ApproveVariant(scope, id, req.Decision == "approve"); err != nil {
		s.logger.Warn("variant review failed", "variant", id, "error", err)
		http.Error(w, "variant review failed", http.StatusConflict)
		return
	}

	s.logger.Info("variant reviewed",
		"variant", id, "agent", req.Agent, "taskType", req.TaskType, "decision", req.Decision)
	s.respondJSON(w, map[string]string{"id": id, "decision": req.Decision})
}
