package payment

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/shaclaims/shaclaims/internal/domain/claim"
	"github.com/shaclaims/shaclaims/internal/platform/auth"
	"github.com/shaclaims/shaclaims/pkg/pagination"
)

type Handler struct {
	svc           *Service
	defaultAmount int64
}

// NewHandler serves the admin payment API. defaultAmount is requested when a
// payment request names no amount.
func NewHandler(svc *Service, defaultAmount int64) *Handler {
	return &Handler{svc: svc, defaultAmount: defaultAmount}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleAnalyst, auth.RoleReviewer))
	read.GET("/payments", h.ListPayments)
	read.GET("/payments/:id", h.GetPayment)
	read.GET("/claims/:id/payments", h.ListClaimPayments)
	read.GET("/hospitals/:id/payments", h.ListHospitalPayments)

	analyst := api.Group("", auth.RequireRole(auth.RoleAnalyst))
	analyst.POST("/claims/:id/payment-request", h.RequestPayment)
	analyst.POST("/payments/:id/recheck", h.RecheckPayment)

	admin := api.Group("/payments", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/:id/override", h.OverridePayment)
}

func httpError(err error) error {
	var invalid *claim.InvalidStateError
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, claim.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &invalid), errors.Is(err, ErrImmutable), errors.Is(err, ErrInFlight):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoCorrelation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) ListPayments(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		Status: Status(c.QueryParam("status")),
		Type:   Type(c.QueryParam("type")),
	}
	if f.Status != "" && !f.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(f.Status))
	}
	if v := c.QueryParam("claim_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid claim_id")
		}
		f.ClaimID = id
	}
	if v := c.QueryParam("hospital_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital_id")
		}
		f.HospitalID = id
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListHospitalPayments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), ListFilter{HospitalID: id}, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListClaimPayments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListForClaim(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Payment{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type paymentRequest struct {
	Amount int64 `json:"amount"`
}

func (h *Handler) RequestPayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req paymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Amount == 0 {
		req.Amount = h.defaultAmount
	}
	p, err := h.svc.RequestPayment(c.Request().Context(), id, req.Amount)
	if err != nil {
		if p != nil {
			return c.JSON(http.StatusBadGateway, p)
		}
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, p)
}

func (h *Handler) RecheckPayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Recheck(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type overrideRequest struct {
	Status        Status `json:"status"`
	ReceiptNumber string `json:"receipt_number"`
	Reason        string `json:"reason"`
}

func (h *Handler) OverridePayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req overrideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	reason := req.Reason
	if user := auth.UserIDFromContext(c.Request().Context()); user != "" && reason != "" {
		reason = user + ": " + reason
	}
	res, err := h.svc.Override(c.Request().Context(), id, req.Status, req.ReceiptNumber, reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}
