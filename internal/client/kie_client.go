package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/reklamai/api/internal/config"
	"github.com/reklamai/api/internal/model"
)

const defaultBaseURL = "https://api.kie.ai"

// ProviderErrorKind classifies a provider failure for HTTP mapping and
// for the retry decision.
type ProviderErrorKind string

const (
	// ErrorRejected: the provider understood and refused the request.
	// Retrying the same request will fail the same way.
	ErrorRejected ProviderErrorKind = "rejected"
	// ErrorTimeout: the request may or may not have reached the
	// provider. The outcome is unknown.
	ErrorTimeout ProviderErrorKind = "timeout"
	// ErrorTransient: infrastructure trouble; a later retry may succeed.
	ErrorTransient ProviderErrorKind = "transient"
)

// ProviderError carries enough context to map a provider failure onto an
// HTTP response and a credit decision.
type ProviderError struct {
	Kind       ProviderErrorKind
	StatusCode int // suggested HTTP status for the API response
	Message    string
	ModelSent  string // model identifier as sent on the wire
	Hint       string
}

func (e *ProviderError) Error() string {
	if e.ModelSent != "" {
		return fmt.Sprintf("provider %s: %s (model=%s)", e.Kind, e.Message, e.ModelSent)
	}
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Message)
}

// SubmitRequest describes one task submission. Defaults carries the
// preset's provider params, merged under the caller's own.
type SubmitRequest struct {
	Model    *model.ProviderModel
	Prompt   string
	Input    *model.GenerationInput
	Defaults map[string]interface{}
}

// SubmitResult is the provider's acknowledgement.
type SubmitResult struct {
	TaskID string
	Status model.GenerationStatus
}

// PollResult is one observation of a provider task.
type PollResult struct {
	Status    model.GenerationStatus
	Progress  int // -1 when the provider reported none
	OutputURL string
	Error     string
}

// GenerationProvider is what the orchestrator depends on; tests swap in
// a fake.
type GenerationProvider interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error)
	Poll(ctx context.Context, family model.APIFamily, taskID string) (*PollResult, error)
}

// KieClient implements GenerationProvider against the KIE.ai API.
type KieClient struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	submitTimeout time.Duration
	pollTimeout   time.Duration
}

// NewKieClient creates a KIE.ai API client
func NewKieClient(cfg *config.KieConfig) *KieClient {
	return &KieClient{
		httpClient:    &http.Client{Timeout: 120 * time.Second},
		baseURL:       sanitizeBaseURL(cfg.BaseURL),
		apiKey:        cfg.APIKey,
		submitTimeout: cfg.SubmitTimeout,
		pollTimeout:   cfg.PollTimeout,
	}
}

// sanitizeBaseURL reduces the configured URL to scheme+host. Operators
// keep pasting dashboard URLs (…/api-key, /docs, /market) or the bare
// website host into KIE_BASE_URL; both produce HTML 404s at request time.
func sanitizeBaseURL(raw string) string {
	if raw == "" {
		return defaultBaseURL
	}
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		log.Printf("[KIE] Invalid base URL %q, using default", raw)
		return defaultBaseURL
	}
	if parsed.Hostname() == "kie.ai" {
		log.Printf("[KIE] Base URL %q is the website, using default", raw)
		return defaultBaseURL
	}
	return parsed.Scheme + "://" + parsed.Host
}

// IsConfigured returns true if the client has an API key
func (c *KieClient) IsConfigured() bool {
	return c.apiKey != ""
}

// Submit creates a provider task. The call is bounded by the configured
// submit timeout; on timeout the returned ProviderError has Kind
// ErrorTimeout and the caller must treat the submission outcome as
// unknown.
func (c *KieClient) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	endpoints := endpointsFor(req.Model.Family)

	input := map[string]interface{}{"prompt": req.Prompt}
	for k, v := range BuildPayload(req.Model, req.Input, req.Defaults) {
		input[k] = v
	}
	body := map[string]interface{}{
		"model": req.Model.ProviderModelID,
		"input": input,
	}

	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	data, err := c.post(ctx, endpoints.CreatePath, body, req.Model.ProviderModelID)
	if err != nil {
		return nil, err
	}

	taskID := extractTaskID(data)
	if taskID == "" {
		return nil, &ProviderError{
			Kind:       ErrorTransient,
			StatusCode: http.StatusBadGateway,
			Message:    "no task ID in provider response",
			ModelSent:  req.Model.ProviderModelID,
		}
	}

	rawStatus, _ := data["status"].(string)
	log.Printf("[KIE] Task created: %s (model=%s, status=%q)", taskID, req.Model.ProviderModelID, rawStatus)

	return &SubmitResult{
		TaskID: taskID,
		Status: NormalizeStatus(rawStatus),
	}, nil
}

// Poll fetches the current state of a provider task.
func (c *KieClient) Poll(ctx context.Context, family model.APIFamily, taskID string) (*PollResult, error) {
	endpoints := endpointsFor(family)
	path := endpoints.StatusPath + "?taskId=" + url.QueryEscape(taskID)

	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	data, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	// The jobs API wraps the record in "data"; older families return it
	// at the top level.
	taskData := data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		taskData = nested
	}

	state, _ := taskData["state"].(string)
	if state == "" {
		state, _ = taskData["status"].(string)
	}

	result := &PollResult{
		Status:    NormalizeStatus(state),
		Progress:  extractProgress(taskData),
		OutputURL: extractOutputURL(taskData),
	}
	if msg, ok := taskData["failMsg"].(string); ok && msg != "" {
		result.Error = msg
	} else if code, ok := taskData["failCode"].(string); ok && code != "" {
		result.Error = code
	}

	log.Printf("[KIE] Poll task=%s state=%q → %s", taskID, state, result.Status)
	return result, nil
}

// CheckAccess verifies the API key by reading the account's credit
// balance. Used by the health endpoint.
func (c *KieClient) CheckAccess(ctx context.Context) (float64, error) {
	data, err := c.get(ctx, "/api/v1/user/credits")
	if err != nil {
		return 0, err
	}
	if nested, ok := data["data"].(map[string]interface{}); ok {
		if v, ok := nested["credits"].(float64); ok {
			return v, nil
		}
	}
	if v, ok := data["credits"].(float64); ok {
		return v, nil
	}
	return 0, nil
}

// NormalizeStatus maps the provider's status vocabulary onto the
// canonical lifecycle. The provider is inconsistent across families
// ("success", "succeed", "complete", "done" all mean the same thing), so
// matching is by keyword. Unknown values map to processing rather than
// failed: a vocabulary surprise must not burn the user's credits.
func NormalizeStatus(raw string) model.GenerationStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "":
		return model.StatusProcessing
	case strings.Contains(s, "queue") || strings.Contains(s, "pending"):
		return model.StatusQueued
	case strings.Contains(s, "process") || strings.Contains(s, "generating") || strings.Contains(s, "running"):
		return model.StatusProcessing
	case strings.Contains(s, "success") || strings.Contains(s, "succeed") ||
		strings.Contains(s, "complete") || strings.Contains(s, "done"):
		return model.StatusSucceeded
	case strings.Contains(s, "fail") || strings.Contains(s, "error"):
		return model.StatusFailed
	default:
		return model.StatusProcessing
	}
}

// post sends a POST request and classifies failures.
func (c *KieClient) post(ctx context.Context, endpoint string, body interface{}, modelSent string) (map[string]interface{}, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, modelSent)
}

// get sends a GET request and classifies failures.
func (c *KieClient) get(ctx context.Context, endpoint string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, "")
}

func (c *KieClient) doRequest(req *http.Request, modelSent string) (map[string]interface{}, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Printf("[KIE] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("[KIE] ✗ %s %s — timeout", req.Method, req.URL.String())
			return nil, &ProviderError{
				Kind:       ErrorTimeout,
				StatusCode: http.StatusGatewayTimeout,
				Message:    "provider request timed out",
				ModelSent:  modelSent,
			}
		}
		log.Printf("[KIE] ✗ %s %s — request failed: %v", req.Method, req.URL.String(), err)
		return nil, &ProviderError{
			Kind:       ErrorTransient,
			StatusCode: http.StatusBadGateway,
			Message:    err.Error(),
			ModelSent:  modelSent,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{
			Kind:       ErrorTransient,
			StatusCode: http.StatusBadGateway,
			Message:    fmt.Sprintf("failed to read response: %v", err),
			ModelSent:  modelSent,
		}
	}

	log.Printf("[KIE] ← %d %s %s", resp.StatusCode, req.Method, req.URL.String())

	if isHTML(respBody) {
		return nil, &ProviderError{
			Kind:       ErrorTransient,
			StatusCode: http.StatusBadGateway,
			Message:    fmt.Sprintf("provider returned HTML (status %d)", resp.StatusCode),
			ModelSent:  modelSent,
			Hint:       "check the provider base URL, the request likely hit the website instead of the API",
		}
	}

	var data map[string]interface{}
	if err := json.Unmarshal(respBody, &data); err != nil {
		return nil, &ProviderError{
			Kind:       ErrorTransient,
			StatusCode: http.StatusBadGateway,
			Message:    fmt.Sprintf("invalid JSON from provider (status %d)", resp.StatusCode),
			ModelSent:  modelSent,
		}
	}

	// Application-level errors ride HTTP 200: { code: 422, msg: "..." }.
	if code, ok := data["code"].(float64); ok && code != 200 && code != 0 {
		msg, _ := data["msg"].(string)
		if msg == "" {
			msg, _ = data["message"].(string)
		}
		if msg == "" {
			msg = "unknown provider error"
		}
		log.Printf("[KIE] ✗ application error: code=%v msg=%s", code, msg)
		return nil, classifyAppError(int(code), msg, modelSent)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(respBody)
		if len(snippet) > 400 {
			snippet = snippet[:400]
		}
		kind, status := ErrorTransient, http.StatusBadGateway
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind, status = ErrorRejected, http.StatusUnprocessableEntity
		}
		return nil, &ProviderError{
			Kind:       kind,
			StatusCode: status,
			Message:    fmt.Sprintf("provider HTTP %d: %s", resp.StatusCode, snippet),
			ModelSent:  modelSent,
		}
	}

	return data, nil
}

func classifyAppError(code int, msg, modelSent string) *ProviderError {
	pe := &ProviderError{
		Message:   fmt.Sprintf("%d - %s", code, msg),
		ModelSent: modelSent,
	}
	if code >= 400 && code < 500 {
		pe.Kind = ErrorRejected
		pe.StatusCode = http.StatusUnprocessableEntity
		lower := strings.ToLower(msg)
		if code == 422 && (strings.Contains(lower, "model") || strings.Contains(lower, "not supported")) {
			pe.Hint = "model may not be available on this API key or plan, see https://kie.ai/market"
		}
		return pe
	}
	pe.Kind = ErrorTransient
	pe.StatusCode = http.StatusBadGateway
	return pe
}

func isHTML(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "<!DOCTYPE") || strings.HasPrefix(trimmed, "<html")
}

// extractTaskID digs the task identifier out of the response. Field
// names vary across API families.
func extractTaskID(data map[string]interface{}) string {
	candidates := []string{"id", "task_id", "taskId", "job_id", "jobId", "recordId"}
	for _, key := range candidates {
		if v := stringField(data, key); v != "" {
			return v
		}
	}
	if nested, ok := data["data"].(map[string]interface{}); ok {
		for _, key := range candidates {
			if v := stringField(nested, key); v != "" {
				return v
			}
		}
	}
	return ""
}

func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

func extractProgress(taskData map[string]interface{}) int {
	for _, key := range []string{"progress", "percent_complete"} {
		if v, ok := taskData[key].(float64); ok {
			return int(v)
		}
	}
	return -1
}

// extractOutputURL finds the result URL. The jobs API serializes results
// as a JSON string in resultJson; older families use flat URL fields.
func extractOutputURL(taskData map[string]interface{}) string {
	if raw, ok := taskData["resultJson"].(string); ok && raw != "" {
		var result map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &result); err == nil {
			if urls, ok := result["resultUrls"].([]interface{}); ok && len(urls) > 0 {
				if u, ok := urls[0].(string); ok {
					return u
				}
			}
			for _, key := range []string{"url", "output_url", "download_url"} {
				if u, ok := result[key].(string); ok && u != "" {
					return u
				}
			}
		}
	}
	for _, key := range []string{"output_url", "outputUrl", "result_url", "resultUrl", "download_url", "downloadUrl"} {
		if u, ok := taskData[key].(string); ok && u != "" {
			return u
		}
	}
	return ""
}
