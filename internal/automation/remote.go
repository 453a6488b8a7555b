package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"form-courier/internal/metrics"
	"form-courier/internal/models"
)

const maxResponseBytes = 4 << 20

// engineError is the error body returned by the automation engine.
type engineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type detectRequest struct {
	URL string `json:"url"`
}

type detectResponse struct {
	Forms []models.FormDescriptor `json:"forms"`
}

type submitRequest struct {
	Form           models.FormDescriptor `json:"form"`
	Values         map[string]string     `json:"values"`
	TakeScreenshot bool                  `json:"take_screenshot,omitempty"`
}

// RemoteEngine calls an automation engine over HTTP/JSON. Each call uses the
// credential carried by its context (see WithCredential) and falls back to
// the token given at construction.
type RemoteEngine struct {
	baseURL   string
	token     string
	userAgent string
	client    *http.Client
}

// NewRemoteEngine builds an engine client. client may carry a proxy transport.
func NewRemoteEngine(baseURL, token, userAgent string, client *http.Client) *RemoteEngine {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteEngine{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		userAgent: userAgent,
		client:    client,
	}
}

// Detect asks the engine for the contact forms on url.
func (e *RemoteEngine) Detect(ctx context.Context, url string) ([]models.FormDescriptor, error) {
	var resp detectResponse
	if err := e.call(ctx, "detect", detectRequest{URL: url}, &resp); err != nil {
		return nil, err
	}
	return resp.Forms, nil
}

// Submit asks the engine to fill and submit form with values.
func (e *RemoteEngine) Submit(ctx context.Context, form models.FormDescriptor, values map[string]string, opts SubmitOptions) (models.SubmissionOutcome, error) {
	var out models.SubmissionOutcome
	req := submitRequest{Form: form, Values: values, TakeScreenshot: opts.TakeScreenshot}
	if err := e.call(ctx, "submit", req, &out); err != nil {
		return models.SubmissionOutcome{}, err
	}
	if out.Status == "" {
		return models.SubmissionOutcome{}, errors.New("automation engine returned no submission status")
	}
	return out, nil
}

func (e *RemoteEngine) call(ctx context.Context, op string, in, out any) error {
	start := time.Now()
	defer func() {
		metrics.AutomationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrapf(err, "marshal %s request", op)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	token := CredentialFrom(ctx)
	if token == "" {
		token = e.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrapf(ctxErr, "automation %s", op)
		}
		return errors.Mark(errors.Wrapf(err, "automation %s", op), ErrTransport)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "read automation %s response", op), ErrTransport)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(op, resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "decode automation %s response", op)
	}
	return nil
}

// classify maps a non-2xx engine response onto the package sentinels.
func classify(op string, status int, body []byte) error {
	var ee engineError
	_ = json.Unmarshal(body, &ee)
	msg := ee.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case ee.Code == "unreachable":
		return errors.Wrapf(ErrUnreachable, "automation %s: %s", op, msg)
	case ee.Code == "timeout" || status == http.StatusGatewayTimeout:
		return errors.Wrapf(ErrTimeout, "automation %s: %s", op, msg)
	case status == http.StatusTooManyRequests:
		metrics.AutomationRateLimited.Inc()
		return errors.Wrapf(ErrTransport, "automation %s rate limited: %s", op, msg)
	case status >= 500:
		return errors.Wrapf(ErrTransport, "automation %s: status %d: %s", op, status, msg)
	default:
		return errors.Newf("automation %s rejected request: status %d: %s", op, status, msg)
	}
}
