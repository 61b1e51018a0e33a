package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/executor"
)

const maxResponseBody = 4 << 10

// HTTPRequestPayload represents the params of an HTTP request task
type HTTPRequestPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// HTTPRequestResult is reported for a 2xx or 3xx response
type HTTPRequestResult struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

// HTTPRequestHandler handles HTTP request tasks
type HTTPRequestHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPRequestHandler creates a new HTTP request handler. The execution
// timeout bounds each request through its context.
func NewHTTPRequestHandler(logger *zap.Logger) *HTTPRequestHandler {
	return &HTTPRequestHandler{
		logger: logger.Named(HTTPRequest),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// Execute performs the request. 5xx responses and transport errors are
// retryable, 4xx responses are not.
func (h *HTTPRequestHandler) Execute(ctx context.Context, task *executor.Task) (json.RawMessage, error) {
	var payload HTTPRequestPayload
	if err := decodeParams(task.Params, &payload); err != nil {
		return nil, err
	}
	if payload.URL == "" {
		return nil, executor.NoRetry(errors.New("url is required"))
	}
	method := strings.ToUpper(payload.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if payload.Body != "" {
		body = bytes.NewBufferString(payload.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, payload.URL, body)
	if err != nil {
		return nil, executor.NoRetry(errors.Wrap(err, "failed to create request"))
	}
	for key, value := range payload.Headers {
		req.Header.Add(key, value)
	}

	h.logger.Info("Executing HTTP request",
		zap.String("execution_id", task.ExecutionID),
		zap.String("method", method),
		zap.String("url", payload.URL))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	task.Log.Infof("%s %s -> %d", method, payload.URL, resp.StatusCode)

	switch {
	case resp.StatusCode >= 500:
		return nil, errors.Newf("request failed with status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, executor.NoRetry(errors.Newf("request rejected with status %d", resp.StatusCode))
	}

	return json.Marshal(HTTPRequestResult{Status: resp.StatusCode, Body: string(data)})
}
