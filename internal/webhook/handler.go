package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"switchboard/internal/logger"
	apperrors "switchboard/pkg/errors"
)

const DefaultMaxBodyBytes = 1 << 20

type Handler struct {
	gate         *Gate
	maxBodyBytes int64
	logger       logger.Logger
}

func NewHandler(gate *Gate, maxBodyBytes int64, log logger.Logger) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{gate: gate, maxBodyBytes: maxBodyBytes, logger: log}
}

// RegisterRoutes mounts the webhook endpoints; middlewares run before both.
func (h *Handler) RegisterRoutes(router gin.IRouter, middlewares ...gin.HandlerFunc) {
	group := router.Group("/webhook", middlewares...)
	{
		group.GET("/:channel/:accountId", h.Verify)
		group.POST("/:channel/:accountId", h.Receive)
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := apperrors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorwCtx(c.Request.Context(), "Webhook request error", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, apperrors.ToErrorResponse(err))
}

func (h *Handler) Verify(c *gin.Context) {
	challenge, err := h.gate.VerifyChallenge(c.Request.Context(),
		c.Param("channel"), c.Param("accountId"),
		c.Query("hub.mode"), c.Query("hub.verify_token"), c.Query("hub.challenge"))
	if err != nil {
		c.String(http.StatusForbidden, "Forbidden")
		return
	}
	c.String(http.StatusOK, challenge)
}

func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, apperrors.ToErrorResponse(
				apperrors.ErrValidation.WithMessage("webhook body too large")))
			return
		}
		h.fail(c, apperrors.ErrValidation.WithMessage("failed to read webhook body").WithCause(err))
		return
	}

	admission, err := h.gate.Admit(c.Request.Context(), c.Param("channel"), c.Param("accountId"), c.Request.Header, body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "event_id": admission.EventID, "outcome": admission.Outcome})
}
