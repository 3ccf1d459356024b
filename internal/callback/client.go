// Package callback bridges the engine process and the application process
// over HTTP: the engine posts command payloads to the app's callback
// endpoint and the app answers with a result; webhook completions travel the
// other way into the engine's HTTP surface.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"process-engine/internal/models"
)

// APIKeyHeader carries the shared secret on engine→app calls.
const APIKeyHeader = "X-API-Key"

// ErrAPIUnavailable wraps network-level failures reaching the app process.
// Subject to the task's retry strategy, unlike handler-reported failures.
var ErrAPIUnavailable = errors.New("app callback api unavailable")

// PayloadType discriminates what the app should do with a callback.
type PayloadType string

const (
	PayloadExecuteServiceTask PayloadType = "executeServiceTask"
	PayloadUpdateProcessState PayloadType = "updateProcessState"
)

// CommandRequestPayload is the engine→app wire format.
type CommandRequestPayload struct {
	Type        PayloadType  `json:"$type"`
	TaskType    string       `json:"taskType,omitempty"`
	FromElement string       `json:"fromElement,omitempty"`
	ToElement   string       `json:"toElement,omitempty"`
	Actor       models.Actor `json:"actor"`
}

// Result is the app→engine response: either Success, or a failure message
// the worker treats as a command execution failure. Fatal marks failures
// that cannot heal on retry (unknown task type, malformed payload), so the
// engine fails the task without consuming retry attempts.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// Client posts command payloads to an app process.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient builds a client against the app host. The timeout bounds each
// outbound call; it is deliberately separate from any webhook max-wait.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// CallbackPath builds the app-side callback route for an instance.
func CallbackPath(instance models.InstanceInformation) string {
	return fmt.Sprintf("/%s/%s/instances/%d/%s/process-engine-callbacks/",
		instance.Org, instance.App, instance.InstanceOwnerPartyID, instance.InstanceGUID)
}

// Execute posts the payload to the instance's callback endpoint and decodes
// the result. Transport failures and 5xx responses come back wrapped in
// ErrAPIUnavailable; a decoded Result with Success=false is returned as-is.
func (c *Client) Execute(ctx context.Context, instance models.InstanceInformation, payload CommandRequestPayload) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal callback payload: %w", err)
	}

	url := c.baseURL + CallbackPath(instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("post %s: %w", url, errors.Join(ErrAPIUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("post %s: status %d: %w", url, resp.StatusCode, ErrAPIUnavailable)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{Success: false, Error: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}, nil
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode callback result: %w", errors.Join(ErrAPIUnavailable, err))
	}
	return result, nil
}
