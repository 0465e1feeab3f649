package nudge

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/carenudge/internal/platform/auth"
	"github.com/ehr/carenudge/pkg/pagination"
)

type Handler struct {
	svc       *Service
	evaluator *Evaluator
	validate  *validator.Validate
	now       func() time.Time
}

func NewHandler(svc *Service, evaluator *Evaluator) *Handler {
	return &Handler{
		svc:       svc,
		evaluator: evaluator,
		validate:  validator.New(),
		now:       time.Now,
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patients := api.Group("/patients/:patient_id/nudges", auth.RequirePatientAccess("patient_id"))
	patients.GET("", h.ListActive)
	patients.POST("/evaluate", h.Evaluate)
	patients.GET("/history", h.History)
	patients.GET("/stats", h.Stats)

	api.GET("/nudges/:id", h.GetNudge)
	api.POST("/nudges/:id/view", h.MarkViewed)
	api.POST("/nudges/:id/click", h.MarkClicked)
	api.POST("/nudges/:id/complete", h.MarkCompleted)
	api.POST("/nudges/:id/respond", h.Respond)
}

type activeResponse struct {
	Data       []*Nudge          `json:"data"`
	Total      int               `json:"total"`
	Evaluation *EvaluationResult `json:"evaluation,omitempty"`
}

// ListActive evaluates the patient (subject to cooldown) and returns the
// nudges visible now.
func (h *Handler) ListActive(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	now := h.now()

	res, err := h.evaluator.MaybeEvaluate(ctx, pid, now)
	if err != nil {
		return httpError(err)
	}
	items, err := h.svc.ActiveNudges(ctx, pid, now)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, activeResponse{Data: items, Total: len(items), Evaluation: res})
}

func (h *Handler) Evaluate(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	res, err := h.evaluator.Evaluate(c.Request().Context(), pid, h.now())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) History(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.History(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path))
}

func (h *Handler) Stats(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	st, err := h.svc.EffectivenessStats(c.Request().Context(), pid, h.now())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetNudge(c echo.Context) error {
	n, err := h.authorizedNudge(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) MarkViewed(c echo.Context) error {
	return h.track(c, h.svc.MarkViewed)
}

func (h *Handler) MarkClicked(c echo.Context) error {
	return h.track(c, h.svc.MarkActionClicked)
}

func (h *Handler) MarkCompleted(c echo.Context) error {
	return h.track(c, h.svc.MarkActionCompleted)
}

func (h *Handler) track(c echo.Context, op func(ctx context.Context, id uuid.UUID, now time.Time) (*Nudge, error)) error {
	n, err := h.authorizedNudge(c)
	if err != nil {
		return err
	}
	updated, err := op(c.Request().Context(), n.ID, h.now())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

type respondRequest struct {
	Status   string  `json:"status" validate:"required,oneof=done dismissed"`
	Feedback *string `json:"feedback" validate:"omitempty,max=2000"`
}

func (h *Handler) Respond(c echo.Context) error {
	n, err := h.authorizedNudge(c)
	if err != nil {
		return err
	}
	var req respondRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, validationMessage(err))
	}
	updated, err := h.svc.Respond(c.Request().Context(), n.ID, Status(req.Status), req.Feedback, h.now())
	if err != nil {
		return httpError(err)
	}
	if h.evaluator != nil {
		h.evaluator.Reset(c.Request().Context(), updated.PatientID)
	}
	return c.JSON(http.StatusOK, updated)
}

// validationMessage reports the first failing respondRequest field.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Feedback" {
		return ErrFeedbackTooLong.Error()
	}
	return ErrInvalidStatus.Error()
}

// authorizedNudge loads :id and checks the caller may act for its patient.
func (h *Handler) authorizedNudge(c echo.Context) (*Nudge, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	n, err := h.svc.GetNudge(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	if !auth.CanAccessPatient(c.Request().Context(), n.PatientID.String()) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "access to this patient is not permitted")
	}
	return n, nil
}

func patientParam(c echo.Context) (uuid.UUID, error) {
	pid, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	return pid, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "nudge not found")
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidStatus):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
