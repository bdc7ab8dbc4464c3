package management

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"switchboard/internal/constants"
	"switchboard/internal/logger"
	"switchboard/pkg/cel"
	"switchboard/pkg/errors"
	"switchboard/pkg/models"
)

const changedByHeader = "X-Changed-By"

type BaseHandler struct {
	Service Service
	Logger  logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.Logger.DebugwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, errors.ToErrorResponse(err))
}

func (h *BaseHandler) bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithMessage(err.Error())))
}

type Handler struct {
	BaseHandler
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	v1.Use(requestAuthor())
	{
		rules := v1.Group("/rules")
		{
			rules.GET("", h.ListRules)
			rules.POST("", h.CreateRule)
			rules.GET("/condition-examples", h.ConditionExamples)
			rules.GET("/:id", h.GetRule)
			rules.PUT("/:id", h.UpdateRule)
			rules.DELETE("/:id", h.DeleteRule)
			rules.GET("/:id/versions", h.GetVersions)
			rules.GET("/:id/audit", h.GetObjectAuditLogs)
		}

		flows := v1.Group("/flows")
		{
			flows.GET("", h.ListFlows)
			flows.POST("", h.CreateFlow)
			flows.GET("/:id", h.GetFlow)
			flows.PUT("/:id", h.UpdateFlow)
			flows.DELETE("/:id", h.DeleteFlow)
			flows.GET("/:id/stats", h.GetFlowStats)
			flows.GET("/:id/versions", h.GetVersions)
			flows.GET("/:id/audit", h.GetObjectAuditLogs)
		}

		audit := v1.Group("/audit")
		{
			audit.GET("/logs", h.GetAuditLogs)
		}
	}
}

// requestAuthor copies the caller identity and address into the request
// context for the audit trail.
func requestAuthor() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := withClientIP(c.Request.Context(), c.ClientIP())
		if who := c.GetHeader(changedByHeader); who != "" {
			ctx = WithChangedBy(ctx, who)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ConditionExamples lists sample celExpression conditions that validate
// against the rule variables.
func (h *Handler) ConditionExamples(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"condition_type": models.ConditionCELExpression, "examples": cel.ConditionExamples})
}

func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.Service.ListRules(c.Request.Context(), c.Query("account_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (h *Handler) CreateRule(c *gin.Context) {
	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	rule, err := h.Service.CreateRule(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *Handler) GetRule(c *gin.Context) {
	rule, err := h.Service.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) UpdateRule(c *gin.Context) {
	var req UpdateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	rule, err := h.Service.UpdateRule(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) DeleteRule(c *gin.Context) {
	if err := h.Service.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListFlows(c *gin.Context) {
	flows, err := h.Service.ListFlows(c.Request.Context(), c.Query("account_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, flows)
}

func (h *Handler) CreateFlow(c *gin.Context) {
	var req CreateFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	flow, err := h.Service.CreateFlow(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, flow)
}

func (h *Handler) GetFlow(c *gin.Context) {
	flow, err := h.Service.GetFlow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, flow)
}

func (h *Handler) UpdateFlow(c *gin.Context) {
	var req UpdateFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	flow, err := h.Service.UpdateFlow(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, flow)
}

func (h *Handler) DeleteFlow(c *gin.Context) {
	if err := h.Service.DeleteFlow(c.Request.Context(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetFlowStats(c *gin.Context) {
	stats, err := h.Service.GetFlowStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) GetVersions(c *gin.Context) {
	versions, err := h.Service.GetVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

func (h *Handler) GetObjectAuditLogs(c *gin.Context) {
	id := c.Param("id")
	logs, err := h.Service.GetAuditLogs(c.Request.Context(), AuditFilter{
		ObjectID: &id,
		Limit:    parseLimit(c.Query("limit")),
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handler) GetAuditLogs(c *gin.Context) {
	filter := AuditFilter{
		ObjectType: c.Query("object_type"),
		Limit:      parseLimit(c.Query("limit")),
	}
	if id := c.Query("object_id"); id != "" {
		filter.ObjectID = &id
	}

	logs, err := h.Service.GetAuditLogs(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func parseLimit(limitStr string) int {
	if limitStr == "" {
		return constants.DefaultLimit
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed <= 0 || parsed > constants.MaxLimit {
		return constants.DefaultLimit
	}
	return parsed
}
