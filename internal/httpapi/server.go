// Package httpapi exposes the REST surface: workflow CRUD, execution
// control, step testing, document stage control, and the SSE notification
// stream.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/eleven-am/conduit/internal/docindex"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/engine"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/steps"
	"github.com/eleven-am/conduit/internal/xjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	addr       string
	workflows  ports.WorkflowRepository
	executions ports.ExecutionRepository
	executor   *engine.Executor
	registry   *steps.Registry
	machine    *docindex.Machine
	enqueuer   steps.Enqueuer
	events     ports.EventPublisher
	logger     *slog.Logger

	server *http.Server
}

func NewServer(
	addr string,
	workflows ports.WorkflowRepository,
	executions ports.ExecutionRepository,
	executor *engine.Executor,
	registry *steps.Registry,
	machine *docindex.Machine,
	enqueuer steps.Enqueuer,
	events ports.EventPublisher,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:       addr,
		workflows:  workflows,
		executions: executions,
		executor:   executor,
		registry:   registry,
		machine:    machine,
		enqueuer:   enqueuer,
		events:     events,
		logger:     logger.With("component", "httpapi"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /workflow/configs", s.createWorkflow)
	mux.HandleFunc("GET /workflow/configs", s.listWorkflows)
	mux.HandleFunc("GET /workflow/configs/{id}", s.getWorkflow)
	mux.HandleFunc("PATCH /workflow/configs/{id}", s.updateWorkflow)
	mux.HandleFunc("DELETE /workflow/configs/{id}", s.deleteWorkflow)

	mux.HandleFunc("POST /workflow/execute", s.executeWorkflow)
	mux.HandleFunc("GET /workflow/executions/{id}", s.getExecution)
	mux.HandleFunc("GET /workflow/executions/{id}/nodes/{nodeId}", s.getNodeSnapshot)
	mux.HandleFunc("POST /workflow/executions/{id}/cancel", s.cancelExecution)
	mux.HandleFunc("POST /workflow/steps/test", s.testStep)

	mux.HandleFunc("GET /documents/{id}/job-status", s.documentJobStatus)
	mux.HandleFunc("POST /documents/{id}/process", s.documentAction(s.machine.Start))
	mux.HandleFunc("POST /documents/{id}/pause", s.documentAction(s.machine.Pause))
	mux.HandleFunc("POST /documents/{id}/resume", s.documentAction(s.machine.Resume))
	mux.HandleFunc("POST /documents/{id}/retry", s.documentAction(s.machine.Retry))
	mux.HandleFunc("POST /documents/{id}/cancel", s.documentAction(s.machine.Cancel))

	mux.HandleFunc("GET /notifications/stream", s.streamNotifications)

	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var workflow domain.Workflow
	if err := decodeBody(r, &workflow); err != nil {
		s.writeError(w, err)
		return
	}
	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}
	now := time.Now()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now
	if err := workflow.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.workflows.Save(&workflow); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &workflow)
}

func (s *Server) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	workflows, err := s.workflows.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, err := s.workflows.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, workflow)
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	existing, err := s.workflows.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var patch domain.Workflow
	if err := decodeBody(r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	patch.ID = existing.ID
	patch.CreatedAt = existing.CreatedAt
	patch.UpdatedAt = time.Now()
	if err := patch.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.workflows.Save(&patch); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &patch)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.workflows.Get(id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.workflows.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkflowID string `json:"workflowId"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.WorkflowID == "" {
		s.writeError(w, domain.NewValidationError("workflowId is required", nil))
		return
	}

	execution, err := s.executor.Start(body.WorkflowID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.enqueuer.Enqueue(domain.JobWorkflowExecute, &domain.WorkflowExecuteJob{ExecutionID: execution.ID}, 0); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"executionId": execution.ID})
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	execution, err := s.executions.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	snapshots, err := s.executions.ListSnapshots(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution": execution,
		"nodes":     snapshots,
	})
}

// getNodeSnapshot serves the full payloads the inline summaries elide.
func (s *Server) getNodeSnapshot(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	nodeID := r.PathValue("nodeId")

	snapshot, err := s.executions.GetSnapshot(executionID, nodeID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	response := map[string]interface{}{"snapshot": snapshot}
	if input, err := s.executions.GetPayload(executionID, nodeID, "input"); err == nil {
		response["input"] = input
	}
	if output, err := s.executions.GetPayload(executionID, nodeID, "output"); err == nil {
		response["output"] = output
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled by user"
	}
	if err := s.executor.Cancel(r.PathValue("id"), body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) testStep(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StepType       string                 `json:"stepType"`
		Config         map[string]interface{} `json:"config"`
		PreviousOutput *domain.Envelope       `json:"previousOutput"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.StepType == "" {
		s.writeError(w, domain.NewValidationError("stepType is required", nil))
		return
	}

	output, err := s.registry.TestStep(r.Context(), body.StepType, body.Config, body.PreviousOutput)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, output)
}

func (s *Server) documentJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.machine.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) documentAction(action func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := action(r.PathValue("id")); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func decodeBody(r *http.Request, target interface{}) error {
	if r.Body == nil {
		return domain.NewValidationError("request body is required", nil)
	}
	defer r.Body.Close()
	if err := xjson.NewDecoder(r.Body).Decode(target); err != nil {
		return domain.NewValidationError(fmt.Sprintf("invalid request body: %v", err), nil)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := xjson.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.TypeOf(err) {
	case domain.ErrorTypeValidation, domain.ErrorTypeMalformedResponse:
		status = http.StatusBadRequest
	case domain.ErrorTypeNotFound:
		status = http.StatusNotFound
	case domain.ErrorTypeConflict:
		status = http.StatusConflict
	case domain.ErrorTypeTransient:
		status = http.StatusServiceUnavailable
	}

	var typed domain.Error
	body := map[string]interface{}{"error": err.Error()}
	if errors.As(err, &typed) {
		body["type"] = typed.Type.String()
		if typed.Details != nil {
			body["details"] = typed.Details
		}
	}
	s.writeJSON(w, status, body)
}
