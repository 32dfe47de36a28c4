// Package proxy implements the proxy handler (C5): transparent HTTP
// forwarding with header filtering, path rewriting, hint extraction, and
// usage-event emission. Grounded on the teacher's proxy.go (response
// recorder, createProxyHandler request lifecycle) generalized to the
// byte-stream tap and hint-extraction contract of the spec, and on
// original_source/src/proxy.rs for the exact relative_path/hint/filter
// algorithms where the teacher's httputil-based approach left gaps.
package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/JettChenT/llmproxy-go/internal/pricing"
	"github.com/JettChenT/llmproxy-go/internal/reqlog"
	"github.com/JettChenT/llmproxy-go/internal/sse"
	"github.com/JettChenT/llmproxy-go/internal/tap"
	"github.com/JettChenT/llmproxy-go/internal/usage"
)

const (
	maxRequestBodyBytes = 16 * 1024 * 1024
	titleMaxChars       = 100
	summaryMaxChars     = 160
)

var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"proxy-connection":    true,
}

// Handler is the C5 HTTP handler: forwards every method/path/body to
// upstreamBase+relativePath, filters headers, detects streaming, extracts
// hints, and emits one UsageEvent per request via the aggregator sender.
type Handler struct {
	UpstreamBaseURL string
	PublicBasePath  string
	Client          *http.Client
	Sender          usage.Sender
	Pricing         *pricing.Table
	ModelsDev       *pricing.ModelsDevSource
	RequestLogger   *reqlog.Logger
	Logger          zerolog.Logger

	idCounter uint64
	idMu      sync.Mutex
}

// New builds a Handler with an upstream client matching spec.md §6:
// redirects disabled, compression disabled (so bodies stay observable).
// modelsDev may be nil; when set, it is consulted as a fallback price
// source for models the administratively-entered table has no row for.
func New(upstreamBaseURL, publicBasePath string, sender usage.Sender, table *pricing.Table, modelsDev *pricing.ModelsDevSource, requestLogger *reqlog.Logger, logger zerolog.Logger) *Handler {
	return &Handler{
		UpstreamBaseURL: upstreamBaseURL,
		PublicBasePath:  NormalizeBasePath(publicBasePath),
		Client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				DisableCompression: true,
			},
		},
		Sender:        sender,
		Pricing:       table,
		ModelsDev:     modelsDev,
		RequestLogger: requestLogger,
		Logger:        logger,
	}
}

// NormalizeBasePath trims whitespace, ensures a leading slash, and strips
// any trailing slash (unless the result would be empty, in which case it
// is root).
func NormalizeBasePath(input string) string {
	normalized := strings.TrimSpace(input)
	if normalized == "" {
		return "/"
	}
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	for len(normalized) > 1 && strings.HasSuffix(normalized, "/") {
		normalized = normalized[:len(normalized)-1]
	}
	return normalized
}

// RelativePath implements the base-stripping rule of spec.md §4.1: strips
// base iff the next character after it is '/' or end-of-string; never
// strips on a mere substring match (e.g. base "/v1" must not touch
// "/v12/...").
func RelativePath(base, path string) string {
	if base == "/" {
		return path
	}
	if path == base {
		return "/"
	}
	if strings.HasPrefix(path, base) {
		rest := path[len(base):]
		if rest == "" {
			return "/"
		}
		if rest[0] == '/' {
			return rest
		}
	}
	return path
}

func (h *Handler) nextRequestID() string {
	if h.RequestLogger != nil {
		return h.RequestLogger.NextID()
	}
	h.idMu.Lock()
	defer h.idMu.Unlock()
	h.idCounter++
	return "req-" + strconv.FormatUint(h.idCounter, 10)
}

func (h *Handler) buildUpstreamURL(r *http.Request) string {
	rel := RelativePath(h.PublicBasePath, r.URL.Path)
	base := strings.TrimSuffix(h.UpstreamBaseURL, "/")

	var url string
	if rel == "/" {
		url = base + "/"
	} else {
		url = base + "/" + strings.TrimPrefix(rel, "/")
	}
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	return url
}

func orderedHeaderNames(h http.Header) []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	return names
}

func copyFilteredHeaders(dst http.Header, src http.Header, dropHost bool) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if hopByHopHeaders[lower] {
			continue
		}
		if dropHost && lower == "host" {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// ServeHTTP implements the full contract of spec.md §4.1.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := h.nextRequestID()
	startedAt := time.Now()

	conversationHeaderHint := conversationIDFromHeaders(r.Header)

	body, err := readLimited(r.Body, maxRequestBodyBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	modelHint := modelFromRequestBody(body)
	titleHint := titleFromRequestBody(body)
	conversationHint := conversationHeaderHint
	if conversationHint == "" {
		conversationHint = conversationIDFromBody(body)
	}

	if h.RequestLogger != nil {
		h.RequestLogger.LogRequest(requestID, r.Method, r.URL.String(), r.Header, orderedHeaderNames(r.Header), body, startedAt)
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, h.buildUpstreamURL(r), bytes.NewReader(body))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	copyFilteredHeaders(upstreamReq.Header, r.Header, true)

	resp, err := h.Client.Do(upstreamReq)
	if err != nil {
		h.Logger.Error().Err(err).Str("request_id", requestID).Msg("upstream request failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	streaming := isEventStream(resp.Header)

	filtered := w.Header()
	copyResponseHeaders(filtered, resp.Header)
	w.WriteHeader(resp.StatusCode)

	if streaming && h.RequestLogger != nil {
		h.RequestLogger.LogResponse(requestID, resp.StatusCode, streaming, resp.Header, orderedHeaderNames(resp.Header), nil, time.Now())
	}

	if streaming {
		h.serveStreaming(w, resp, requestID, modelHint, titleHint, conversationHint)
		return
	}
	h.serveBuffered(w, resp, requestID, modelHint, titleHint, conversationHint)
}

func copyResponseHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		if hopByHopHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isEventStream(header http.Header) bool {
	ct := strings.ToLower(header.Get("Content-Type"))
	return strings.Contains(ct, "text/event-stream")
}

func (h *Handler) serveStreaming(w http.ResponseWriter, resp *http.Response, requestID string, modelHint, titleHint, conversationHint string) {
	tapped, captureCh := tap.Wrap(resp.Body, h.RequestLogger, requestID)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := tapped.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
	tapped.Close()

	go func() {
		capture := <-captureCh
		h.emit(requestID, modelHint, titleHint, capture.Summary, conversationHint, capture.Usage)
	}()
}

func (h *Handler) serveBuffered(w http.ResponseWriter, resp *http.Response, requestID string, modelHint, titleHint, conversationHint string) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		h.Logger.Error().Err(err).Str("request_id", requestID).Msg("failed to buffer upstream response body")
		return
	}
	w.Write(respBody)

	if h.RequestLogger != nil {
		h.RequestLogger.LogResponse(requestID, resp.StatusCode, false, resp.Header, orderedHeaderNames(resp.Header), respBody, time.Now())
	}

	u, summary := extractNonStreamingCapture(respBody)
	h.emit(requestID, modelHint, titleHint, summary, conversationHint, u)
}

func (h *Handler) emit(requestID, modelHint, titleHint, summaryHint, conversationHint string, u *sse.Usage) {
	event := usage.Event{Timestamp: time.Now().UTC()}
	if titleHint != "" {
		event.Title = &titleHint
	}
	if summaryHint != "" {
		event.Summary = &summaryHint
	}
	if conversationHint != "" {
		event.ConversationID = &conversationHint
	}

	if u != nil {
		event.UsageIncluded = true
		model := u.Model
		if model == "" {
			model = modelHint
		}
		if model == "" {
			model = "unknown"
		}
		event.Model = model
		event.PromptTokens = u.PromptTokens
		event.CachedPromptTokens = u.CachedPromptTokens
		event.CompletionTokens = u.CompletionTokens
		event.TotalTokens = u.TotalTokens
		event.ReasoningTokens = u.ReasoningTokens
	} else {
		event.UsageIncluded = false
		if modelHint == "" {
			event.Model = "unknown"
		} else {
			event.Model = modelHint
		}
	}

	if h.Pricing != nil {
		cost := h.costForModel(event.Model, event.PromptTokens, event.CachedPromptTokens, event.CompletionTokens)
		event.CostUSD = &cost
	}

	select {
	case h.Sender <- event:
	default:
		h.Logger.Warn().Str("request_id", requestID).Msg("usage event queue full, dropping event")
	}
}

// costForModel prefers an administratively-entered price row; when none
// exists it falls back to the models.dev catalog (if loaded) before
// resorting to the table's across-the-board default rate.
func (h *Handler) costForModel(model string, promptTokens, cachedPromptTokens, completionTokens uint64) float64 {
	if h.Pricing.HasModel(model) || h.ModelsDev == nil {
		return h.Pricing.CostForModel(model, promptTokens, cachedPromptTokens, completionTokens)
	}
	if cost, ok := h.ModelsDev.Lookup("", model); ok {
		return pricing.Cost(pricing.RateFromModelCost(cost), promptTokens, cachedPromptTokens, completionTokens)
	}
	return h.Pricing.CostForModel(model, promptTokens, cachedPromptTokens, completionTokens)
}

var errBodyTooLarge = errors.New("request body too large")

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	limited := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func conversationIDFromHeaders(h http.Header) string {
	for _, key := range []string{"conversation_id", "session_id"} {
		if v := strings.TrimSpace(h.Get(key)); v != "" {
			return v
		}
	}
	return ""
}

func modelFromRequestBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var v map[string]any
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	if m, ok := v["model"].(string); ok {
		return m
	}
	return ""
}

func conversationIDFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var v map[string]any
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	if id, ok := v["prompt_cache_key"].(string); ok {
		return id
	}
	return ""
}

func titleFromRequestBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var v map[string]any
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	raw := titleFromValue(v)
	if raw == "" {
		return ""
	}
	return sse.Snippet(raw, titleMaxChars)
}

func titleFromValue(v map[string]any) string {
	if items, ok := v["input"].([]any); ok {
		if text := findUserText(items); text != "" {
			return text
		}
	}
	if items, ok := v["messages"].([]any); ok {
		if text := findUserText(items); text != "" {
			return text
		}
	}
	return ""
}

func findUserText(items []any) string {
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := item["role"].(string)
		if !strings.EqualFold(role, "user") {
			continue
		}
		if content, ok := item["content"]; ok {
			if text := textFromContent(content); text != "" {
				return text
			}
		}
	}
	return ""
}

func textFromContent(content any) string {
	switch c := content.(type) {
	case []any:
		for _, raw := range c {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := entry["text"].(string); ok {
				if filtered := filterTitleCandidate(text); filtered != "" {
					return filtered
				}
			}
		}
	case string:
		return filterTitleCandidate(c)
	}
	return ""
}

func filterTitleCandidate(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	if sse.IsBoilerplate(trimmed) {
		return ""
	}
	return trimmed
}

// extractNonStreamingCapture mirrors C3's usage/summary extraction for a
// fully-buffered (non-SSE) JSON response body.
func extractNonStreamingCapture(body []byte) (*sse.Usage, string) {
	if len(body) == 0 {
		return nil, ""
	}
	var v map[string]any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, ""
	}

	u := sse.UsageFromValue(v)
	summary := summaryFromValue(v)
	return u, summary
}

func summaryFromValue(v map[string]any) string {
	if output, ok := v["output"].([]any); ok {
		for _, raw := range output {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if text := assistantMessageText(item); text != "" {
				return sse.Snippet(text, summaryMaxChars)
			}
		}
	}

	if choices, ok := v["choices"].([]any); ok {
		for _, raw := range choices {
			choice, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			message, ok := choice["message"].(map[string]any)
			if !ok {
				continue
			}
			if text := chatMessageText(message); text != "" {
				return sse.Snippet(text, summaryMaxChars)
			}
		}
	}

	return ""
}

func assistantMessageText(item map[string]any) string {
	itemType, _ := item["type"].(string)
	if !strings.EqualFold(itemType, "message") {
		return ""
	}
	role, _ := item["role"].(string)
	if !strings.EqualFold(role, "assistant") {
		return ""
	}
	content, ok := item["content"].([]any)
	if !ok {
		return ""
	}
	var parts []string
	for _, raw := range content {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		blockType, _ := block["type"].(string)
		if !strings.EqualFold(blockType, "output_text") {
			continue
		}
		if text, ok := block["text"].(string); ok {
			if trimmed := strings.TrimSpace(text); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
	}
	return strings.Join(parts, " ")
}

func chatMessageText(message map[string]any) string {
	if text, ok := message["content"].(string); ok {
		return text
	}
	if parts, ok := message["content"].([]any); ok {
		var acc []string
		for _, raw := range parts {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			partType, _ := part["type"].(string)
			if !strings.EqualFold(partType, "text") {
				continue
			}
			if text, ok := part["text"].(string); ok {
				if trimmed := strings.TrimSpace(text); trimmed != "" {
					acc = append(acc, trimmed)
				}
			}
		}
		return strings.Join(acc, " ")
	}
	return ""
}
