package payment

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/shaclaims/shaclaims/internal/platform/mpesa"
)

// callbackAck is the body Daraja expects back from a callback URL.
type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// WebhookHandler receives M-Pesa STK callbacks.
type WebhookHandler struct {
	svc    *Service
	token  string
	logger zerolog.Logger
}

// NewWebhookHandler checks callbacks against token when it is non-empty.
func NewWebhookHandler(svc *Service, token string, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{svc: svc, token: token, logger: logger.With().Str("component", "mpesa-callback").Logger()}
}

func (h *WebhookHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhooks/mpesa/callback", h.Callback)
}

func (h *WebhookHandler) authorized(c echo.Context) bool {
	if h.token == "" {
		return true
	}
	got := c.QueryParam("token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func (h *WebhookHandler) Callback(c echo.Context) error {
	if !h.authorized(c) {
		h.logger.Warn().Str("remote_ip", c.RealIP()).Msg("callback with bad token")
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	}
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	cb, err := mpesa.ParseCallback(raw)
	if err != nil {
		h.logger.Warn().Err(err).Msg("malformed callback")
		return c.JSON(http.StatusBadRequest, callbackAck{ResultCode: 1, ResultDesc: "Rejected"})
	}

	res, err := h.svc.Reconcile(c.Request().Context(), *cb)
	if err != nil {
		h.logger.Error().Err(err).Str("checkout_request_id", cb.CheckoutRequestID).Msg("reconcile failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "reconcile failed")
	}

	evt := h.logger.Info()
	if res.Outcome == ReconcileUnmatched {
		evt = h.logger.Warn()
	}
	evt.Str("checkout_request_id", cb.CheckoutRequestID).
		Int("result_code", cb.ResultCode).
		Str("outcome", string(res.Outcome)).
		Msg("mpesa callback")
	return c.JSON(http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
}
