// Package engine is the HTTP client for the Camunda External Task engine
// boundary: fetchAndLock, complete, failure, and the process-definition XML
// endpoint the BPMN metadata cache fetches through. Wire shapes are grounded
// on the nativebpm-camunda client's ExternalTask/TopicRequest/TaskCompletion
// types; the client itself is built on this repository's own httpclient
// stack (base-URL normalization, body-size limit, circuit breaker,
// structured logging; no rate limiting) rather than a third-party Camunda
// SDK.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vlikhobabin/exchanger/internal/httpclient"
	"github.com/vlikhobabin/exchanger/internal/logging"
	"github.com/vlikhobabin/exchanger/internal/resilience"
	"github.com/vlikhobabin/exchanger/internal/variable"
	"github.com/vlikhobabin/exchanger/internal/xerrors"
)

// Client talks to a Camunda-compatible engine's REST API.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	workerID     string
	breaker      *resilience.CircuitBreaker
	logger       *logging.Logger
	maxBodyBytes int64
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	WorkerID   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// New builds an engine Client. BaseURL is normalized and must point at the
// engine's REST API root (e.g. "https://camunda.example.com/engine-rest").
func New(cfg Config) (*Client, error) {
	httpCli, baseURL, maxBodyBytes, err := httpclient.NewClientWithBaseURL(httpclient.ClientConfig{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		HTTPClient: cfg.HTTPClient,
	}, httpclient.ClientDefaults{
		Timeout:          defaultTimeout(cfg.Timeout),
		MaxBodyBytes:     4 << 20,
		NormalizeBaseURL: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine http client: %w", err)
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "exchanger-go"
	}

	return &Client{
		httpClient:   httpCli,
		baseURL:      baseURL,
		workerID:     workerID,
		breaker:      resilience.New(resilience.DefaultConfig()),
		logger:       cfg.Logger,
		maxBodyBytes: maxBodyBytes,
	}, nil
}

func defaultTimeout(configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return 10 * time.Second
}

// WorkerID returns the workerId this client locks tasks under.
func (c *Client) WorkerID() string {
	return c.workerID
}

// TopicFilter is one entry of a fetchAndLock request's topic list.
type TopicFilter struct {
	TopicName            string   `json:"topicName"`
	LockDuration         int64    `json:"lockDuration"`
	Variables            []string `json:"variables,omitempty"`
	BusinessKey          string   `json:"businessKey,omitempty"`
	ProcessDefinitionKey string   `json:"processDefinitionKey,omitempty"`
}

type fetchAndLockRequest struct {
	WorkerID    string        `json:"workerId"`
	MaxTasks    int           `json:"maxTasks"`
	UsePriority bool          `json:"usePriority"`
	Topics      []TopicFilter `json:"topics"`
}

// ExternalTask is a locked unit of work returned by fetchAndLock (§3
// ExternalTask).
type ExternalTask struct {
	ID                   string `json:"id"`
	TopicName            string `json:"topicName"`
	WorkerID             string `json:"workerId"`
	ProcessInstanceID    string `json:"processInstanceId"`
	ProcessDefinitionID  string `json:"processDefinitionId"`
	ProcessDefinitionKey string `json:"processDefinitionKey"`
	ActivityID           string `json:"activityId"`
	ActivityInstanceID   string `json:"activityInstanceId"`
	ExecutionID          string `json:"executionId"`
	BusinessKey          string `json:"businessKey"`
	TenantID             string `json:"tenantId"`
	Priority             int64  `json:"priority"`
	Retries              *int   `json:"retries"`

	Variables map[string]json.RawMessage `json:"variables"`
}

// VariableBag decodes the raw variables map into a typed variable.Bag.
func (t ExternalTask) VariableBag() (variable.Bag, error) {
	return variable.FromWireMap(t.Variables)
}

// FetchAndLock calls POST /external-task/fetchAndLock for the given topics.
func (c *Client) FetchAndLock(ctx context.Context, maxTasks int, topics []TopicFilter) ([]ExternalTask, error) {
	body := fetchAndLockRequest{
		WorkerID:    c.workerID,
		MaxTasks:    maxTasks,
		UsePriority: true,
		Topics:      topics,
	}

	var tasks []ExternalTask
	err := c.breaker.Execute(ctx, func() error {
		return c.postJSON(ctx, "/external-task/fetchAndLock", body, &tasks)
	})
	if err != nil {
		return nil, xerrors.EngineError("fetchAndLock", err)
	}
	return tasks, nil
}

type completeRequest struct {
	WorkerID       string                 `json:"workerId"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	LocalVariables map[string]interface{} `json:"localVariables,omitempty"`
}

// Complete calls POST /external-task/{id}/complete with the given output
// variables (§4.1 step "Worker completed/failed by Worker").
func (c *Client) Complete(ctx context.Context, taskID string, vars variable.Bag) error {
	body := completeRequest{
		WorkerID:  c.workerID,
		Variables: vars.ToWireMap(),
	}
	err := c.breaker.Execute(ctx, func() error {
		return c.postJSONNoResponse(ctx, fmt.Sprintf("/external-task/%s/complete", taskID), body)
	})
	if err != nil {
		return xerrors.EngineError("complete", err)
	}
	return nil
}

type failureRequest struct {
	WorkerID     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails string `json:"errorDetails,omitempty"`
	Retries      int    `json:"retries"`
	RetryTimeout int64  `json:"retryTimeout"`
}

// Failure calls POST /external-task/{id}/failure, releasing the lock (when
// retries reaches 0) or scheduling a retry after retryTimeout.
func (c *Client) Failure(ctx context.Context, taskID, errorMessage, errorDetails string, retries int, retryTimeout time.Duration) error {
	body := failureRequest{
		WorkerID:     c.workerID,
		ErrorMessage: errorMessage,
		ErrorDetails: errorDetails,
		Retries:      retries,
		RetryTimeout: retryTimeout.Milliseconds(),
	}
	err := c.breaker.Execute(ctx, func() error {
		return c.postJSONNoResponse(ctx, fmt.Sprintf("/external-task/%s/failure", taskID), body)
	})
	if err != nil {
		return xerrors.EngineError("failure", err)
	}
	return nil
}

// ProcessInstanceVariables calls GET /process-instance/{id}/variables,
// fetching the process-level variable bag used for process-variables
// description rendering and field derivation (§4.2.1, §4.2.3).
func (c *Client) ProcessInstanceVariables(ctx context.Context, processInstanceID string) (variable.Bag, error) {
	var raw map[string]json.RawMessage
	err := c.breaker.Execute(ctx, func() error {
		return c.getJSON(ctx, fmt.Sprintf("/process-instance/%s/variables", processInstanceID), &raw)
	})
	if err != nil {
		return nil, xerrors.EngineError("process-instance variables", err)
	}
	bag, err := variable.FromWireMap(raw)
	if err != nil {
		return nil, xerrors.EngineError("process-instance variables", err)
	}
	return bag, nil
}

// ProcessDefinitionXML fetches the raw BPMN XML for a process definition,
// for the bpmncache.FetchFunc hook.
func (c *Client) ProcessDefinitionXML(ctx context.Context, processDefinitionID string) ([]byte, error) {
	var out []byte
	err := c.breaker.Execute(ctx, func() error {
		type xmlResponse struct {
			ID      string `json:"id"`
			BpmnXML string `json:"bpmn20Xml"`
		}
		var resp xmlResponse
		if err := c.getJSON(ctx, fmt.Sprintf("/process-definition/%s/xml", processDefinitionID), &resp); err != nil {
			return err
		}
		out = []byte(resp.BpmnXML)
		return nil
	})
	if err != nil {
		return nil, xerrors.EngineError("process-definition xml", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// transport helpers
// ---------------------------------------------------------------------------

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decodeResponse(resp, out)
}

func (c *Client) postJSONNoResponse(ctx context.Context, path string, body interface{}) error {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decodeResponse(resp, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decodeResponse(resp, out)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.logger != nil {
		c.logger.LogEngineCall(ctx, method+" "+path, time.Since(start), err)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// decodeResponse handles the engine's empty-204-on-success convention and
// maps non-2xx statuses to an error carrying the response body for context.
func (c *Client) decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	body, _, _ := httpclient.ReadAllWithLimit(resp.Body, c.maxBodyBytes)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err represents the engine's 404 ("task not in
// engine") response, which §4.1 treats as success rather than failure.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), fmt.Sprintf("status %d", http.StatusNotFound))
}
