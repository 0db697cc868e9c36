package capability

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

	"github.com/ILLUVRSE/design-core/internal/errs"
)

type HTTPClientConfig struct {
	// Name labels errors, e.g. "render".
	Name       string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPClient speaks JSON over HTTP to one capability service. It does not retry; the
// scheduler owns retries. Failures are classified into the errs taxonomy by status code.
type HTTPClient struct {
	name    string
	baseURL string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s base url required", cfg.Name)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "capability"
	}
	return &HTTPClient{
		name:    name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
	}, nil
}

func (c *HTTPClient) Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error) {
	var out AnalyzeResult
	err := c.post(ctx, "/analyze", req, &out)
	return out, err
}

func (c *HTTPClient) Render(ctx context.Context, req RenderRequest) (RenderResult, error) {
	var out RenderResult
	err := c.post(ctx, "/render", req, &out)
	return out, err
}

func (c *HTTPClient) Walkthrough(ctx context.Context, req RenderRequest) (RenderResult, error) {
	var out RenderResult
	err := c.post(ctx, "/walkthrough", req, &out)
	return out, err
}

func (c *HTTPClient) Check(ctx context.Context, req ComplianceRequest) (ComplianceResult, error) {
	var out ComplianceResult
	err := c.post(ctx, "/check", req, &out)
	return out, err
}

func (c *HTTPClient) Encode(ctx context.Context, req ExportRequest) (ExportResult, error) {
	var out ExportResult
	err := c.post(ctx, "/export", req, &out)
	return out, err
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errs.E(errs.Validation, errs.CodeInvalidInput, fmt.Sprintf("%s request could not be encoded", c.name), err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errs.E(errs.Fatal, errs.CodeInternal, fmt.Sprintf("%s request could not be built", c.name), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return errs.E(errs.Transient, errs.CodeTimeout, fmt.Sprintf("%s service timed out", c.name), err)
		}
		return errs.E(errs.Transient, "network", fmt.Sprintf("%s service unreachable", c.name), err)
	}
	defer resp.Body.Close()

	if err := classify(c.name, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.E(errs.Fatal, errs.CodeInternal, fmt.Sprintf("%s service returned an unreadable response", c.name), err)
	}
	return nil
}

// classify maps a non-2xx response onto the error taxonomy: 408, 429 and 5xx are transient,
// 422 is ambiguous input, other 4xx are permanent rejections.
func classify(name string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	detail := fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.E(errs.Transient, "rate_limited", fmt.Sprintf("%s service is rate limiting", name), detail)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return errs.E(errs.Transient, errs.CodeTimeout, fmt.Sprintf("%s service timed out", name), detail)
	case resp.StatusCode >= 500:
		return errs.E(errs.Transient, "upstream_error", fmt.Sprintf("%s service error", name), detail)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		msg := eb.Message
		if msg == "" {
			msg = fmt.Sprintf("%s service could not interpret the input", name)
		}
		return errs.E(errs.Validation, errs.CodeAmbiguousInput, msg, detail)
	default:
		msg := eb.Message
		if msg == "" {
			msg = fmt.Sprintf("%s service rejected the request", name)
		}
		return errs.E(errs.Validation, errs.CodeRejected, msg, detail)
	}
}
