package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/syx0310/claude-relay-service/internal/config"
	"github.com/syx0310/claude-relay-service/internal/domain"
	"github.com/syx0310/claude-relay-service/internal/pkg/apicompat"
	"github.com/syx0310/claude-relay-service/internal/pkg/logger"
)

const errorBodyLimit = 2 << 20

// ParsedMessagesRequest is an inbound Messages request after handler-level
// validation: raw body, vendor-stripped model, and the decoded request.
type ParsedMessagesRequest struct {
	Body    []byte
	Model   string
	Stream  bool
	Request *apicompat.ClaudeRequest
}

// ForwardResult summarizes one completed forward for logging and usage
// recording.
type ForwardResult struct {
	RequestID string
	Usage     apicompat.ClaudeUsage
	Model     string
	Stream    bool
	Duration  time.Duration
}

// CodexGatewayService bridges Messages-dialect clients onto the Responses
// upstream: it translates the request, adapts the outbound body, opens the
// upstream stream, and dispatches to the streaming converter or the
// non-stream collector. The upstream is stream-only, so the outbound
// request always sets stream=true regardless of what the client asked for.
type CodexGatewayService struct {
	cfg        *config.Config
	scheduler  Scheduler
	sink       UsageSink
	pool       *UsageRecordWorkerPool
	httpClient *http.Client
}

// NewCodexGatewayService wires the gateway. The HTTP client carries no
// global timeout; each request is bounded by a context deadline so long
// streams are not cut off mid-flight by a transport-level limit.
func NewCodexGatewayService(cfg *config.Config, scheduler Scheduler, sink UsageSink, pool *UsageRecordWorkerPool) *CodexGatewayService {
	return &CodexGatewayService{
		cfg:        cfg,
		scheduler:  scheduler,
		sink:       sink,
		pool:       pool,
		httpClient: &http.Client{},
	}
}

// Forward handles one Messages request end to end. Errors are written to
// the client before returning: upstream error statuses in the requested
// framing, failures before the upstream answers as a JSON error body, and a
// failure mid-stream as a final SSE error event. A client disconnect before
// the upstream answers writes nothing.
func (s *CodexGatewayService) Forward(ctx context.Context, c *gin.Context, apiKeyID string, parsed *ParsedMessagesRequest) (*ForwardResult, error) {
	startTime := time.Now()
	if parsed == nil || parsed.Request == nil {
		writeClaudeError(c, http.StatusBadRequest, "invalid_request_error", "Request body is empty")
		return nil, errors.New("empty request")
	}

	isCLI := IsCodexCLIClient(c.GetHeader("User-Agent"))
	sessionHash := SessionHash(apiKeyID, parsed.Body)

	selection, err := s.scheduler.SelectAccount(ctx, apiKeyID, sessionHash, parsed.Model)
	if err != nil {
		writeClaudeError(c, http.StatusServiceUnavailable, "api_error", "Service temporarily unavailable")
		return nil, fmt.Errorf("select account: %w", err)
	}

	responsesReq, toolIDs, actualModel := apicompat.ClaudeToResponses(parsed.Request, parsed.Model)

	bodyMap, err := requestToMap(responsesReq)
	if err != nil {
		writeClaudeError(c, http.StatusInternalServerError, "api_error", "Failed to process request")
		return nil, err
	}

	adapted := AdaptRequestBody(bodyMap, AdaptOptions{
		IsCLI:               isCLI,
		Config:              &s.cfg.CodexAdapter,
		DefaultInstructions: GetCodexInstructions(),
	})
	outBody := adapted.Body

	// The upstream only streams; the converter re-frames for the client.
	outBody["stream"] = true
	if selection.AccountType == domain.AccountTypeOAuth {
		outBody["store"] = false
	}

	upstreamBody, err := json.Marshal(outBody)
	if err != nil {
		writeClaudeError(c, http.StatusInternalServerError, "api_error", "Failed to process request")
		return nil, err
	}

	reqLog := logger.L().With(
		zap.String("component", "service.codex_gateway"),
		zap.String("account_id", selection.AccountID),
		zap.String("model", actualModel),
		zap.Bool("stream", parsed.Stream),
		zap.Bool("cli_client", isCLI),
		zap.Bool("adapter_applied", adapted.Applied),
	)

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Upstream.RequestTimeout())
	defer cancel()

	resp, err := s.doUpstreamRequest(reqCtx, selection, upstreamBody)
	if err != nil {
		if ctx.Err() != nil {
			// Client went away; nothing left to write.
			reqLog.Info("codex.client_disconnected", zap.Error(ctx.Err()))
			return nil, ctx.Err()
		}
		safeErr := sanitizeUpstreamErrorMessage(err.Error())
		reqLog.Error("codex.upstream_request_failed", zap.String("error", safeErr))
		writeClaudeError(c, http.StatusBadGateway, "upstream_error", "Upstream request failed")
		return nil, fmt.Errorf("upstream request failed: %s", safeErr)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, s.handleRateLimit(ctx, c, resp, selection, sessionHash, parsed.Stream, reqLog)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusPaymentRequired:
		return nil, s.handleUnauthorized(ctx, c, resp, selection, sessionHash, parsed.Stream, reqLog)
	case resp.StatusCode >= 400:
		return nil, s.handleUpstreamError(ctx, c, resp, parsed.Stream, reqLog)
	}

	if snapshot := parseRateLimitHeaders(resp.Header); !snapshot.Empty() {
		s.scheduler.UpdateRateLimitSnapshot(selection.AccountID, snapshot)
	}

	requestID := strings.TrimSpace(resp.Header.Get("x-request-id"))
	if requestID != "" {
		c.Header("x-request-id", requestID)
	}

	var usage apicompat.ClaudeUsage
	if parsed.Stream {
		usage, err = s.streamToClient(c, resp.Body, toolIDs)
	} else {
		usage, err = s.collectToClient(c, resp.Body, toolIDs)
	}
	if err != nil {
		reqLog.Error("codex.response_translation_failed", zap.Error(err))
		return nil, err
	}

	if s.scheduler.IsRateLimited(selection.AccountID) {
		s.scheduler.ClearRateLimit(selection.AccountID, selection.AccountType)
	}
	s.recordUsage(apiKeyID, actualModel, selection, usage, resp.Header)

	return &ForwardResult{
		RequestID: requestID,
		Usage:     usage,
		Model:     actualModel,
		Stream:    parsed.Stream,
		Duration:  time.Since(startTime),
	}, nil
}

// requestToMap round-trips the typed request through JSON so the adapter
// can work field-by-field without knowing the struct.
func requestToMap(req *apicompat.ResponsesRequest) (map[string]any, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *CodexGatewayService) doUpstreamRequest(ctx context.Context, selection *AccountSelection, body []byte) (*http.Response, error) {
	baseURL := s.cfg.Upstream.BaseURL
	if selection.Account != nil && selection.Account.BaseURL != "" {
		baseURL = selection.Account.BaseURL
	}
	target := strings.TrimRight(baseURL, "/") + s.cfg.Upstream.ResponsesPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+selection.Token)
	if selection.Account != nil {
		for k, v := range selection.Account.Headers {
			req.Header.Set(k, v)
		}
	}

	client := s.httpClient
	if selection.Proxy != "" {
		proxyURL, perr := url.Parse(selection.Proxy)
		if perr != nil {
			return nil, fmt.Errorf("invalid account proxy: %w", perr)
		}
		client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	}
	return client.Do(req)
}

// streamToClient drives the streaming converter, writing each Messages
// event as it is produced. Event order is the upstream arrival order.
func (s *CodexGatewayService) streamToClient(c *gin.Context, upstream io.Reader, toolIDs *apicompat.ToolCallIDMap) (apicompat.ClaudeUsage, error) {
	setSSEHeaders(c)
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	converter := apicompat.NewStreamConverter(s.cfg.Gateway.AliasModel, toolIDs, func(eventType string, payload any) error {
		frame, err := apicompat.FormatSSEEvent(eventType, payload)
		if err != nil {
			return err
		}
		if _, err := c.Writer.Write(frame); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})

	if err := converter.Run(upstream); err != nil {
		// The client already holds partial events; close the stream with a
		// final error event.
		writeErrorInFraming(c, true, http.StatusBadGateway, "upstream_error", "Upstream stream interrupted")
		return converter.Usage(), err
	}
	return converter.Usage(), nil
}

// collectToClient consumes the upstream stream and synthesizes the single
// JSON body a non-streaming client expects.
func (s *CodexGatewayService) collectToClient(c *gin.Context, upstream io.Reader, toolIDs *apicompat.ToolCallIDMap) (apicompat.ClaudeUsage, error) {
	final, err := apicompat.CollectFinalResponse(upstream)
	if err != nil {
		writeClaudeError(c, http.StatusBadGateway, "upstream_error", "Failed to read upstream response")
		return apicompat.ClaudeUsage{}, err
	}
	if final == nil {
		writeClaudeError(c, http.StatusBadGateway, "upstream_error", "stream ended without response.completed")
		return apicompat.ClaudeUsage{}, errors.New("stream ended without response.completed")
	}

	claudeResp := apicompat.ResponsesToClaude(final, toolIDs, s.cfg.Gateway.AliasModel)
	c.JSON(http.StatusOK, claudeResp)
	return claudeResp.Usage, nil
}

func (s *CodexGatewayService) recordUsage(apiKeyID, model string, selection *AccountSelection, usage apicompat.ClaudeUsage, header http.Header) {
	if s.sink == nil {
		return
	}
	snapshot := parseRateLimitHeaders(header)
	accountID := selection.AccountID
	accountType := selection.AccountType
	task := func(ctx context.Context) {
		if err := s.sink.RecordUsage(ctx, RecordUsageInput{
			APIKeyID:            apiKeyID,
			InputTokens:         usage.InputTokens,
			OutputTokens:        usage.OutputTokens,
			CacheCreationTokens: usage.CacheCreationInputTokens,
			CacheReadTokens:     usage.CacheReadInputTokens,
			Model:               model,
			AccountID:           accountID,
			AccountType:         accountType,
		}); err != nil {
			logger.L().Error("codex.record_usage_failed", zap.Error(err))
		}
		if err := s.sink.UpdateCounters(ctx, UpdateCountersInput{
			RateLimit:   snapshot,
			Usage:       usage,
			Model:       model,
			APIKeyID:    apiKeyID,
			AccountType: accountType,
		}); err != nil {
			logger.L().Error("codex.update_counters_failed", zap.Error(err))
		}
	}
	if s.pool != nil {
		s.pool.Submit(task)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	task(ctx)
}

// ---------------------------------------------------------------------------
// Error paths
// ---------------------------------------------------------------------------

// drainErrorBody reads an upstream error body under a hard time cap so a
// stalled upstream cannot pin the request.
func (s *CodexGatewayService) drainErrorBody(ctx context.Context, r io.Reader) []byte {
	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.Upstream.ErrorDrainTimeout())
	defer cancel()

	done := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(io.LimitReader(r, errorBodyLimit))
		done <- b
	}()
	select {
	case b := <-done:
		return b
	case <-drainCtx.Done():
		return nil
	}
}

func (s *CodexGatewayService) handleRateLimit(ctx context.Context, c *gin.Context, resp *http.Response, selection *AccountSelection, sessionHash string, stream bool, reqLog *zap.Logger) error {
	body := s.drainErrorBody(ctx, resp.Body)

	msg := sanitizeUpstreamErrorMessage(strings.TrimSpace(extractUpstreamErrorMessage(body)))
	if msg == "" {
		msg = "Upstream rate limit exceeded, please retry later"
	}

	var resetsAfter time.Duration
	if v := gjson.GetBytes(body, "error.resets_in_seconds"); v.Exists() {
		resetsAfter = time.Duration(v.Float() * float64(time.Second))
	}
	s.scheduler.MarkRateLimited(selection.AccountID, selection.AccountType, sessionHash, resetsAfter)

	reqLog.Warn("codex.upstream_rate_limited",
		zap.Duration("resets_after", resetsAfter),
		zap.String("message", msg),
	)
	writeErrorInFraming(c, stream, http.StatusTooManyRequests, "rate_limit_error", msg)
	return fmt.Errorf("upstream rate limited: %s", msg)
}

func (s *CodexGatewayService) handleUnauthorized(ctx context.Context, c *gin.Context, resp *http.Response, selection *AccountSelection, sessionHash string, stream bool, reqLog *zap.Logger) error {
	body := s.drainErrorBody(ctx, resp.Body)

	msg := sanitizeUpstreamErrorMessage(strings.TrimSpace(extractUpstreamErrorMessage(body)))
	if msg == "" {
		msg = "Upstream authentication failed"
	}
	s.scheduler.MarkUnauthorized(selection.AccountID, selection.AccountType, sessionHash, msg)

	reqLog.Error("codex.upstream_unauthorized",
		zap.Int("upstream_status", resp.StatusCode),
		zap.String("message", msg),
	)
	writeErrorInFraming(c, stream, resp.StatusCode, "authentication_error", msg)
	return fmt.Errorf("upstream unauthorized: %d", resp.StatusCode)
}

func (s *CodexGatewayService) handleUpstreamError(ctx context.Context, c *gin.Context, resp *http.Response, stream bool, reqLog *zap.Logger) error {
	body := s.drainErrorBody(ctx, resp.Body)

	msg := sanitizeUpstreamErrorMessage(strings.TrimSpace(extractUpstreamErrorMessage(body)))
	if msg == "" {
		msg = "Upstream request failed"
	}
	reqLog.Error("codex.upstream_error",
		zap.Int("upstream_status", resp.StatusCode),
		zap.String("message", msg),
		zap.String("body", truncateString(string(body), 2048)),
	)
	writeErrorInFraming(c, stream, resp.StatusCode, "upstream_error", msg)
	return fmt.Errorf("upstream error: %d message=%s", resp.StatusCode, msg)
}

// writeErrorInFraming surfaces an error in the framing the client asked
// for: a single SSE error event for streaming clients, a JSON body
// otherwise. Once headers are out only the SSE path remains possible.
func writeErrorInFraming(c *gin.Context, stream bool, status int, errType, message string) {
	if c == nil {
		return
	}
	if stream {
		if !c.Writer.Written() {
			setSSEHeaders(c)
			c.Writer.WriteHeader(status)
		}
		payload := map[string]any{
			"type": "error",
			"error": map[string]string{
				"type":    errType,
				"message": message,
			},
		}
		if frame, err := apicompat.FormatSSEEvent("error", payload); err == nil {
			_, _ = c.Writer.Write(frame)
			if flusher, ok := c.Writer.(http.Flusher); ok {
				flusher.Flush()
			}
		}
		return
	}
	writeClaudeError(c, status, errType, message)
}

func writeClaudeError(c *gin.Context, status int, errType, message string) {
	if c == nil || c.Writer.Written() {
		return
	}
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("Access-Control-Allow-Origin", "*")
}

// rate-limit usage headers forwarded to the account service, lower-cased
var rateLimitHeaderNames = struct {
	primaryUsed, primaryReset, primaryWindow       string
	secondaryUsed, secondaryReset, secondaryWindow string
	primaryOverSecondary                           string
}{
	primaryUsed:          "x-codex-primary-used-percent",
	primaryReset:         "x-codex-primary-reset-after-seconds",
	primaryWindow:        "x-codex-primary-window-minutes",
	secondaryUsed:        "x-codex-secondary-used-percent",
	secondaryReset:       "x-codex-secondary-reset-after-seconds",
	secondaryWindow:      "x-codex-secondary-window-minutes",
	primaryOverSecondary: "x-codex-primary-over-secondary-limit-percent",
}

func parseRateLimitHeaders(h http.Header) RateLimitSnapshot {
	get := func(name string) float64 {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			return 0
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	}
	return RateLimitSnapshot{
		PrimaryUsedPercent:               get(rateLimitHeaderNames.primaryUsed),
		PrimaryResetAfterSeconds:         get(rateLimitHeaderNames.primaryReset),
		PrimaryWindowMinutes:             get(rateLimitHeaderNames.primaryWindow),
		SecondaryUsedPercent:             get(rateLimitHeaderNames.secondaryUsed),
		SecondaryResetAfterSeconds:       get(rateLimitHeaderNames.secondaryReset),
		SecondaryWindowMinutes:           get(rateLimitHeaderNames.secondaryWindow),
		PrimaryOverSecondaryLimitPercent: get(rateLimitHeaderNames.primaryOverSecondary),
	}
}
