package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ossian/flint/internal/store"
	"github.com/ossian/flint/pkg/schema"
)

// handleIngestAlert accepts an alert event and fans it out to matching
// workflows. Returns 202: runs execute asynchronously on the pool.
func (s *Server) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	var body schema.Alert
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	if body.ReceivedAt.IsZero() {
		body.ReceivedAt = time.Now().UTC()
	}

	started, err := s.deps.Service.HandleAlert(r.Context(), &body)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"alert_id": body.ID,
		"started":  started,
	})
}

// handleManualRun triggers one workflow on explicit request and waits
// for the run to finish.
func (s *Server) handleManualRun(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")

	var body struct {
		AlertID string `json:"alert_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeBadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	run, err := s.deps.Service.TriggerManual(r.Context(), workflowID, body.AlertID)
	if err != nil {
		writeError(w, err)
		return
	}

	outcomes, err := s.deps.Store.ListUnitOutcomes(r.Context(), run.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, runResponse{Run: run, Units: outcomes})
}

// runResponse is a run record with its unit outcomes.
type runResponse struct {
	*store.Run
	Units []*store.UnitOutcome `json:"units,omitempty"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	run, err := s.deps.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	outcomes, err := s.deps.Store.ListUnitOutcomes(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, runResponse{Run: run, Units: outcomes})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		WorkflowID: q.Get("workflow_id"),
		AlertID:    q.Get("alert_id"),
		Status:     schema.RunStatus(q.Get("status")),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	// 404 for unknown runs instead of an empty log.
	if _, err := s.deps.Store.GetRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}

	events, err := s.deps.Store.GetRunEvents(r.Context(), runID, int64(queryInt(r, "since", 0)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleReplayRun reconstructs per-unit outcomes from the run's event log.
// An audit surface: the reconstruction must agree with the stored
// outcomes, and a sequence gap in the log surfaces as a store error.
func (s *Server) handleReplayRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	if _, err := s.deps.Store.GetRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}

	outcomes, err := s.deps.RunLog.Replay(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "units": outcomes})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.deps.Store.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}
