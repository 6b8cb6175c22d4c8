package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// ProctorHandler serves proctor and admin actions on candidates' sessions.
type ProctorHandler struct {
	svc ExamModeService
	log zerolog.Logger
}

// NewProctorHandler creates a new ProctorHandler.
func NewProctorHandler(svc ExamModeService, log zerolog.Logger) *ProctorHandler {
	return &ProctorHandler{
		svc: svc,
		log: log.With().Str("component", "proctor_handler").Logger(),
	}
}

// ListViolations godoc
// GET /api/v1/admin/contests/:contest_id/exam-mode/violations?page&per_page&user_id
func (h *ProctorHandler) ListViolations(c *gin.Context) {
	_, contestID, ok := contestRequest(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))

	var userID *int
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id <= 0 {
			response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
			return
		}
		userID = &id
	}

	items, pagination, err := h.svc.ListViolations(c.Request.Context(), contestID, userID, page, perPage)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.SuccessWithPagination(c, http.StatusOK, items, pagination)
}

// Unlock godoc
// POST /api/v1/admin/contests/:contest_id/exam-mode/users/:user_id/unlock
func (h *ProctorHandler) Unlock(c *gin.Context) {
	claims, contestID, ok := contestRequest(c)
	if !ok {
		return
	}
	userID, ok := userParam(c)
	if !ok {
		return
	}

	snap, err := h.svc.Unlock(c.Request.Context(), contestID, userID, actor(claims.Role, claims.UserID))
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// ForceStatus godoc
// PUT /api/v1/admin/contests/:contest_id/exam-mode/users/:user_id/status
func (h *ProctorHandler) ForceStatus(c *gin.Context) {
	claims, contestID, ok := contestRequest(c)
	if !ok {
		return
	}
	userID, ok := userParam(c)
	if !ok {
		return
	}

	var req model.ForceStatusRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	snap, err := h.svc.ForceStatus(c.Request.Context(), contestID, userID, req, actor(claims.Role, claims.UserID))
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

func userParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("user_id"))
	if err != nil || id <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return 0, false
	}
	return id, true
}

// actor labels who performed an administrative change, e.g. "proctor:12".
func actor(role proctor.Role, userID int) string {
	return string(role) + ":" + strconv.Itoa(userID)
}
