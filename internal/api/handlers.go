package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/buildguard/backend/internal/audit"
	"github.com/buildguard/backend/internal/core"
	"github.com/buildguard/backend/internal/proof"
	"github.com/buildguard/backend/internal/taskqueue"
	"github.com/buildguard/backend/internal/webhooks"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health.Snapshot())
}

// handlePipelineRun processes one work item synchronously and returns the
// audit chain. Step failures still return the partial chain alongside the
// error so callers can see how far the item got.
func (s *Server) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Opportunity core.Opportunity `json:"opportunity"`
		Document    *core.Document   `json:"document"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.Opportunity.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "opportunity.project_id is required")
		return
	}

	chain, err := s.runner.Run(r.Context(), req.Opportunity, req.Document)
	if chain != nil && chain.Len() > 0 {
		s.rememberChain(chain)
	}
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": err.Error(),
			"chain": chain,
		})
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	chain, ok := s.lookupChain(r.Context(), projectID)
	if !ok {
		writeError(w, http.StatusNotFound, "no chain for project "+projectID)
		return
	}

	data, err := chain.ExportJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	chain, err := audit.ImportJSON(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := map[string]interface{}{
		"project_id": chain.ProjectID,
		"links":      chain.Len(),
		"valid":      true,
	}
	if err := chain.VerifyIntegrity(); err != nil {
		resp["valid"] = false
		resp["reason"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	var p proof.DecisionProof
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid proof payload")
		return
	}

	issues := proof.Validate(&p)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decision_id": p.DecisionID,
		"verified":    proof.Verify(&p),
		"issues":      issues,
	})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListAll())
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var sub webhooks.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription payload")
		return
	}
	if err := s.registry.Register(&sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.Unregister(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleScanSite enqueues one site scan and returns the task ID for polling.
func (s *Server) handleScanSite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SiteID string                 `json:"site_id"`
		Frames map[string]interface{} `json:"frames"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid scan payload")
		return
	}
	if req.SiteID == "" {
		writeError(w, http.StatusBadRequest, "site_id is required")
		return
	}

	taskID, err := s.scheduler.ScanSite(req.SiteID, req.Frames)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleScanBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SiteIDs []string `json:"site_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch payload")
		return
	}
	if len(req.SiteIDs) == 0 {
		writeError(w, http.StatusBadRequest, "site_ids is required")
		return
	}

	taskID, err := s.scheduler.ScanBatch(req.SiteIDs)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SiteID     string      `json:"site_id"`
		ScanResult interface{} `json:"scan_result"`
		Format     string      `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid report payload")
		return
	}
	if req.SiteID == "" {
		writeError(w, http.StatusBadRequest, "site_id is required")
		return
	}

	taskID, err := s.scheduler.GenerateReport(req.SiteID, req.ScanResult, req.Format)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, err := s.queue.Result(r.Context(), id)
	if err != nil {
		if errors.Is(err, taskqueue.ErrGone) {
			writeError(w, http.StatusGone, "task result expired or unknown")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totals":    s.health.Snapshot().Ledger.Totals,
		"per_agent": s.ledger.PerAgent(),
	})
}
