package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// ExamModeService is the trust authority as seen by the HTTP layer.
type ExamModeService interface {
	GetStatus(ctx context.Context, contestID uuid.UUID, userID int) (proctor.StatusSnapshot, error)
	Start(ctx context.Context, contestID uuid.UUID, userID int) (proctor.StatusSnapshot, error)
	End(ctx context.Context, contestID uuid.UUID, userID int) (proctor.StatusSnapshot, error)
	RecordViolation(ctx context.Context, contestID uuid.UUID, userID int, role proctor.Role, req model.RecordViolationRequest) (proctor.Verdict, error)
	Unlock(ctx context.Context, contestID uuid.UUID, userID int, by string) (proctor.StatusSnapshot, error)
	ForceStatus(ctx context.Context, contestID uuid.UUID, userID int, req model.ForceStatusRequest, by string) (proctor.StatusSnapshot, error)
	ListViolations(ctx context.Context, contestID uuid.UUID, userID *int, page, perPage int) ([]model.ExamModeViolation, *response.Pagination, error)
}

// ExamModeHandler serves the caller's own exam-mode session.
type ExamModeHandler struct {
	svc ExamModeService
	log zerolog.Logger
}

// NewExamModeHandler creates a new ExamModeHandler.
func NewExamModeHandler(svc ExamModeService, log zerolog.Logger) *ExamModeHandler {
	return &ExamModeHandler{
		svc: svc,
		log: log.With().Str("component", "exam_mode_handler").Logger(),
	}
}

// GetStatus godoc
// GET /api/v1/contests/:contest_id/exam-mode
func (h *ExamModeHandler) GetStatus(c *gin.Context) {
	claims, contestID, ok := contestRequest(c)
	if !ok {
		return
	}

	snap, err := h.svc.GetStatus(c.Request.Context(), contestID, claims.UserID)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// RecordViolation godoc
// POST /api/v1/contests/:contest_id/exam-mode/violations
func (h *ExamModeHandler) RecordViolation(c *gin.Context) {
	claims, contestID, ok := contestRequest(c)
	if !ok {
		return
	}

	var req model.RecordViolationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	verdict, err := h.svc.RecordViolation(c.Request.Context(), contestID, claims.UserID, claims.Role, req)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, verdict)
}

// Start godoc
// POST /api/v1/contests/:contest_id/exam-mode/start
func (h *ExamModeHandler) Start(c *gin.Context) {
	claims, contestID, ok := contestRequest(c)
	if !ok {
		return
	}

	snap, err := h.svc.Start(c.Request.Context(), contestID, claims.UserID)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// End godoc
// POST /api/v1/contests/:contest_id/exam-mode/end
func (h *ExamModeHandler) End(c *gin.Context) {
	claims, contestID, ok := contestRequest(c)
	if !ok {
		return
	}

	snap, err := h.svc.End(c.Request.Context(), contestID, claims.UserID)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// contestRequest resolves the caller and the :contest_id param, writing the
// failure response itself.
func contestRequest(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}

	contestID, err := uuid.Parse(c.Param("contest_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}
	return claims, contestID, true
}

// failService maps service errors onto the response envelope.
func failService(c *gin.Context, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidTransition):
		response.Fail(c, http.StatusConflict, response.ErrInvalidTransition)
	case errors.Is(err, service.ErrUnlockNotDue):
		response.Fail(c, http.StatusConflict, response.ErrUnlockNotDue)
	case errors.Is(err, service.ErrInvalidStatus):
		response.Fail(c, http.StatusBadRequest, response.ErrValidation)
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Exam-mode request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
