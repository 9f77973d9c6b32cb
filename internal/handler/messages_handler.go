package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/syx0310/claude-relay-service/internal/pkg/apicompat"
	"github.com/syx0310/claude-relay-service/internal/pkg/logger"
	"github.com/syx0310/claude-relay-service/internal/service"
)

// codexVendorPrefix routes a Messages request onto the Responses upstream:
// clients address it with a model of the form "codex,<base-model>".
const codexVendorPrefix = "codex"

// MessagesHandler serves the Messages-dialect endpoint backed by the
// Responses upstream. Client authentication happens before this handler;
// it only needs the api key identity for usage attribution.
type MessagesHandler struct {
	gatewayService *service.CodexGatewayService
	maxBodyBytes   int64
}

// NewMessagesHandler creates a MessagesHandler.
func NewMessagesHandler(gatewayService *service.CodexGatewayService, maxBodyBytes int64) *MessagesHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 32 << 20
	}
	return &MessagesHandler{
		gatewayService: gatewayService,
		maxBodyBytes:   maxBodyBytes,
	}
}

// SplitVendorModel separates the vendor prefix from the base model.
// "codex,gpt-5.2-xhigh" -> ("codex", "gpt-5.2-xhigh"); a model with no
// comma has no vendor.
func SplitVendorModel(model string) (vendor, base string) {
	if idx := strings.Index(model, ","); idx >= 0 {
		return strings.TrimSpace(model[:idx]), strings.TrimSpace(model[idx+1:])
	}
	return "", strings.TrimSpace(model)
}

// HandleMessages handles POST /api/v1/messages.
func (h *MessagesHandler) HandleMessages(c *gin.Context) {
	requestID := uuid.NewString()
	apiKeyID := strings.TrimSpace(c.GetHeader("x-api-key"))
	if apiKeyID == "" {
		apiKeyID = "anonymous"
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxBodyBytes))
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "Failed to read request body")
		return
	}
	if len(body) == 0 {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "Request body is empty")
		return
	}
	if !gjson.ValidBytes(body) {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "Failed to parse request body")
		return
	}

	modelResult := gjson.GetBytes(body, "model")
	if !modelResult.Exists() || modelResult.Type != gjson.String || modelResult.String() == "" {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}

	vendor, baseModel := SplitVendorModel(modelResult.String())
	if vendor != "" && vendor != codexVendorPrefix {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "Unsupported model vendor: "+vendor)
		return
	}
	if baseModel == "" {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}

	// The gateway only ever sees the base model.
	if vendor != "" {
		body, err = sjson.SetBytes(body, "model", baseModel)
		if err != nil {
			h.errorResponse(c, http.StatusInternalServerError, "api_error", "Failed to process request")
			return
		}
	}

	var claudeReq apicompat.ClaudeRequest
	if err := json.Unmarshal(body, &claudeReq); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "Failed to parse request body")
		return
	}

	reqLog := logger.L().With(
		zap.String("component", "handler.messages"),
		zap.String("request_id", requestID),
		zap.String("api_key_id", apiKeyID),
		zap.String("model", baseModel),
		zap.Bool("stream", claudeReq.Stream),
	)

	result, err := h.gatewayService.Forward(c.Request.Context(), c, apiKeyID, &service.ParsedMessagesRequest{
		Body:    body,
		Model:   baseModel,
		Stream:  claudeReq.Stream,
		Request: &claudeReq,
	})
	if err != nil {
		reqLog.Warn("messages.forward_failed", zap.Error(err))
		return
	}

	reqLog.Info("messages.request_completed",
		zap.String("upstream_request_id", result.RequestID),
		zap.Int("input_tokens", result.Usage.InputTokens),
		zap.Int("output_tokens", result.Usage.OutputTokens),
		zap.Int("cache_read_input_tokens", result.Usage.CacheReadInputTokens),
		zap.Duration("duration", result.Duration),
	)
}

func (h *MessagesHandler) errorResponse(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}
