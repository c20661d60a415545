package intake

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/shaclaims/shaclaims/internal/platform/messaging"
)

type Handler struct {
	gate        *Gate
	verifyToken string
	appSecret   string
}

// NewHandler serves the WhatsApp webhook. Signatures are only checked when
// appSecret is set.
func NewHandler(gate *Gate, verifyToken, appSecret string) *Handler {
	return &Handler{gate: gate, verifyToken: verifyToken, appSecret: appSecret}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/webhooks/whatsapp", h.Verify)
	e.POST("/webhooks/whatsapp", h.Receive)
}

// Verify answers Meta's subscription handshake.
func (h *Handler) Verify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	if mode != "subscribe" || h.verifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) != 1 {
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
}

type receiveResponse struct {
	Accepted  int `json:"accepted"`
	Duplicate int `json:"duplicate"`
	Malformed int `json:"malformed"`
}

func (h *Handler) Receive(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	if h.appSecret != "" && !messaging.VerifySignature(raw, h.appSecret, c.Request().Header.Get("X-Hub-Signature-256")) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
	}

	outcomes, err := h.gate.Ingest(c.Request().Context(), raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	}
	var resp receiveResponse
	for _, o := range outcomes {
		switch o.Kind {
		case OutcomeAccepted:
			resp.Accepted++
		case OutcomeDuplicate:
			resp.Duplicate++
		case OutcomeMalformed:
			resp.Malformed++
		}
	}
	return c.JSON(http.StatusOK, resp)
}
