package claim

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/shaclaims/shaclaims/internal/domain/hospital"
	"github.com/shaclaims/shaclaims/internal/platform/auth"
	"github.com/shaclaims/shaclaims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleAnalyst, auth.RoleReviewer))
	read.GET("/claims", h.ListClaims)
	read.GET("/claims/stats", h.GetStats)
	read.GET("/claims/pending-payments", h.ListPendingPayments)
	read.GET("/claims/by-number/:number", h.GetClaimByNumber)
	read.GET("/claims/:id", h.GetClaim)
	read.GET("/hospitals/:id/claims", h.ListHospitalClaims)

	review := api.Group("/claims", auth.RequireRole(auth.RoleAnalyst, auth.RoleReviewer))
	review.POST("/:id/notes", h.AddNotes)
	review.POST("/:id/annotations", h.AddAnnotation)
	review.POST("/:id/transition", h.TransitionClaim)

	analyst := api.Group("/claims", auth.RequireRole(auth.RoleAnalyst))
	analyst.POST("/:id/analysis", h.AttachAnalysis)
	analyst.POST("/:id/corrected-documents", h.AttachCorrectedDocument)
	analyst.POST("/:id/send-document", h.SendDocument)
	analyst.POST("/:id/resend-document", h.ResendDocument)
}

// TransitionResponse reports whether a requested transition changed the
// claim; repeating a transition returns the claim with Applied false.
type TransitionResponse struct {
	Claim   *Claim `json:"claim"`
	Applied bool   `json:"applied"`
}

func httpError(err error) error {
	var invalid *InvalidStateError
	var quota *hospital.QuotaExceededError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrReasonRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoDocuments), errors.Is(err, ErrInvalidEvidence),
		errors.As(err, &quota), errors.Is(err, hospital.ErrHospitalInactive):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func filterFromQuery(c echo.Context) (ListFilter, error) {
	f := ListFilter{
		Status: Status(c.QueryParam("status")),
		Search: c.QueryParam("q"),
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(f.Status))
	}
	if v := c.QueryParam("hospital_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid hospital_id")
		}
		f.HospitalID = id
	}
	var err error
	if f.From, err = parseDate(c.QueryParam("from")); err != nil {
		return f, echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
	}
	if f.To, err = parseDate(c.QueryParam("to")); err != nil {
		return f, echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
	}
	if v := c.QueryParam("flagged"); v != "" {
		flagged, err := strconv.ParseBool(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "flagged must be true or false")
		}
		f.Flagged = &flagged
	}
	return f, nil
}

func (h *Handler) ListClaims(c echo.Context) error {
	pg := pagination.FromContext(c)
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListHospitalClaims(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	f.HospitalID = id
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListPendingPayments(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.PendingPayments(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetStats(c echo.Context) error {
	st, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	cl, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) GetClaimByNumber(c echo.Context) error {
	cl, err := h.svc.GetByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

type transitionRequest struct {
	Status Status `json:"status"`
	Reason string `json:"reason"`
}

func (h *Handler) TransitionClaim(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !req.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(req.Status))
	}
	cl, applied, err := h.svc.Transition(c.Request().Context(), id, req.Status, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, TransitionResponse{Claim: cl, Applied: applied})
}

type analysisRequest struct {
	Errors     []Finding `json:"errors"`
	Confidence *float64  `json:"confidence"`
}

func (h *Handler) AttachAnalysis(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req analysisRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Confidence == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "confidence is required")
	}
	cl, applied, err := h.svc.AttachAnalysis(c.Request().Context(), id, AnalysisResult{
		Errors:     req.Errors,
		Confidence: *req.Confidence,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, TransitionResponse{Claim: cl, Applied: applied})
}

type notesRequest struct {
	Note string `json:"note"`
}

func (h *Handler) AddNotes(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req notesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	author := auth.UserIDFromContext(c.Request().Context())
	cl, err := h.svc.AddNotes(c.Request().Context(), id, author, req.Note)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

type annotationRequest struct {
	DocumentID uuid.UUID `json:"document_id"`
	Annotation
}

func (h *Handler) AddAnnotation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req annotationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Annotation.CreatedBy = auth.UserIDFromContext(c.Request().Context())
	cl, err := h.svc.AddAnnotation(c.Request().Context(), id, req.DocumentID, req.Annotation)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cl)
}

func (h *Handler) AttachCorrectedDocument(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var doc CorrectedDocument
	if err := c.Bind(&doc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	doc.UploadedBy = auth.UserIDFromContext(c.Request().Context())
	cl, err := h.svc.AttachCorrectedDocument(c.Request().Context(), id, doc)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cl)
}

func (h *Handler) SendDocument(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	cl, applied, err := h.svc.SendCorrectedDocument(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, TransitionResponse{Claim: cl, Applied: applied})
}

func (h *Handler) ResendDocument(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	cl, err := h.svc.ResendCorrectedDocument(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, cl)
}
