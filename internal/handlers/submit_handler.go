package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optiq/internal/executor"
	"github.com/ternarybob/optiq/internal/interfaces"
	"github.com/ternarybob/optiq/internal/models"
	"github.com/ternarybob/optiq/internal/worker"
)

// maxPayloadBytes bounds a submitted request body (64 MB). Datasets
// travel inline, so the limit is deliberately large.
const maxPayloadBytes = 64 << 20

// SubmitHandler accepts optimization requests and queues them
type SubmitHandler struct {
	store    interfaces.JobStore
	executor interfaces.Executor
	pool     *worker.Pool
	logger   arbor.ILogger
}

// NewSubmitHandler creates a new SubmitHandler
func NewSubmitHandler(store interfaces.JobStore, exec interfaces.Executor, pool *worker.Pool, logger arbor.ILogger) *SubmitHandler {
	return &SubmitHandler{
		store:    store,
		executor: exec,
		pool:     pool,
		logger:   logger,
	}
}

// SubmitRunHandler handles POST /run
func (h *SubmitHandler) SubmitRunHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var payload models.RunPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, ErrInvalidRequest, []models.FieldError{
			{Field: "body", Message: "Request body is not valid JSON", Type: "json_invalid"},
		})
		return
	}
	if fieldErrs := models.ValidatePayload(&payload); len(fieldErrs) > 0 {
		WriteError(w, http.StatusUnprocessableEntity, ErrInvalidRequest, fieldErrs)
		return
	}
	if err := h.executor.Validate(&payload); err != nil {
		h.logger.Warn().Err(err).Msg("Payload validation failed")
		status, kind := translateExecutorError(err)
		WriteError(w, status, kind, err.Error())
		return
	}

	jobID := uuid.New().String()
	if !h.persist(w, r, jobID, models.JobTypeRun, raw, models.BuildRunOverview(&payload)) {
		return
	}

	h.pool.Enqueue(jobID)
	h.logger.Info().
		Str("job_id", jobID).
		Str("module", payload.ModuleName).
		Str("optimizer", payload.OptimizerName).
		Msg("Enqueued job")

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":         jobID,
		"job_type":       models.JobTypeRun,
		"status":         models.JobStatusPending,
		"created_at":     time.Now().UTC(),
		"username":       payload.Username,
		"module_name":    payload.ModuleName,
		"optimizer_name": payload.OptimizerName,
	})
}

// SubmitGridSearchHandler handles POST /grid-search
func (h *SubmitHandler) SubmitGridSearchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var payload models.GridSearchPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, ErrInvalidRequest, []models.FieldError{
			{Field: "body", Message: "Request body is not valid JSON", Type: "json_invalid"},
		})
		return
	}
	if fieldErrs := models.ValidatePayload(&payload); len(fieldErrs) > 0 {
		WriteError(w, http.StatusUnprocessableEntity, ErrInvalidRequest, fieldErrs)
		return
	}
	if err := h.executor.ValidateGrid(&payload); err != nil {
		h.logger.Warn().Err(err).Msg("Grid search validation failed")
		status, kind := translateExecutorError(err)
		WriteError(w, status, kind, err.Error())
		return
	}

	jobID := uuid.New().String()
	if !h.persist(w, r, jobID, models.JobTypeGridSearch, raw, models.BuildGridOverview(&payload)) {
		return
	}

	h.pool.Enqueue(jobID)
	h.logger.Info().
		Str("job_id", jobID).
		Int("total_pairs", payload.TotalPairs()).
		Str("module", payload.ModuleName).
		Str("optimizer", payload.OptimizerName).
		Msg("Enqueued grid search")

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":         jobID,
		"job_type":       models.JobTypeGridSearch,
		"status":         models.JobStatusPending,
		"created_at":     time.Now().UTC(),
		"username":       payload.Username,
		"module_name":    payload.ModuleName,
		"optimizer_name": payload.OptimizerName,
	})
}

func (h *SubmitHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrValidation, "Failed to read request body")
		return nil, false
	}
	return raw, true
}

// persist creates the job row, stores the verbatim payload and writes
// the overview used by list endpoints.
func (h *SubmitHandler) persist(w http.ResponseWriter, r *http.Request, jobID string, jobType models.JobType, raw []byte, overview map[string]interface{}) bool {
	ctx := r.Context()

	if err := h.store.CreateJob(ctx, jobID, jobType); err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to create job")
		WriteError(w, http.StatusInternalServerError, ErrInternal, "Failed to create job")
		return false
	}
	if err := h.store.UpdateJob(ctx, jobID, &models.JobUpdate{Payload: raw}); err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to store payload")
		WriteError(w, http.StatusInternalServerError, ErrInternal, "Failed to store payload")
		return false
	}
	if err := h.store.SetPayloadOverview(ctx, jobID, overview); err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to store payload overview")
		WriteError(w, http.StatusInternalServerError, ErrInternal, "Failed to store payload overview")
		return false
	}
	return true
}

// translateExecutorError maps executor failures onto response kinds
func translateExecutorError(err error) (int, string) {
	if executor.IsValidationError(err) {
		return http.StatusBadRequest, ErrValidation
	}
	return http.StatusInternalServerError, ErrInternal
}
