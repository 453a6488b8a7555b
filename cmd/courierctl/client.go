package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"form-courier/internal/models"
	"form-courier/internal/tasks"
)

const clientTimeout = 30 * time.Second

// apiError is a non-2xx answer from the courier API.
type apiError struct {
	Code    int
	Message string
	Kind    models.ErrorKind
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("api returned %d (%s): %s", e.Code, e.Kind, e.Message)
	}
	return fmt.Sprintf("api returned %d: %s", e.Code, e.Message)
}

type taskCreated struct {
	TaskID            string           `json:"task_id"`
	Status            models.JobStatus `json:"status"`
	InvalidCompanyIDs []int64          `json:"invalid_company_ids,omitempty"`
	Warnings          []string         `json:"warnings,omitempty"`
}

type actionRequest struct {
	Action    string `json:"action"`
	Terminate bool   `json:"terminate,omitempty"`
	Signal    string `json:"signal,omitempty"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

type complianceRequest struct {
	URL             string `json:"url"`
	ComplianceLevel string `json:"compliance_level,omitempty"`
}

// apiClient talks to cmd/api. It also serves as the poller's status source.
type apiClient struct {
	base *url.URL
	http *http.Client
	// credential is sent as X-Automation-Token so the jobs started on this
	// caller's behalf use its engine token.
	credential string
}

func newAPIClient(rawBase string, client *http.Client) (*apiClient, error) {
	base, err := url.Parse(strings.TrimRight(rawBase, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Newf("invalid api url %q", rawBase)
	}
	if client == nil {
		client = &http.Client{Timeout: clientTimeout}
	}
	return &apiClient{base: base, http: client}, nil
}

func (c *apiClient) Detect(ctx context.Context, req tasks.DetectRequest) (tasks.DetectResponse, error) {
	var resp tasks.DetectResponse
	err := c.do(ctx, http.MethodPost, "/forms/detect", req, &resp)
	return resp, err
}

func (c *apiClient) Single(ctx context.Context, req tasks.SubmitRequest) (taskCreated, error) {
	var resp taskCreated
	err := c.do(ctx, http.MethodPost, "/submissions/single", req, &resp)
	return resp, err
}

func (c *apiClient) Batch(ctx context.Context, req tasks.BatchRequest) (taskCreated, error) {
	var resp taskCreated
	err := c.do(ctx, http.MethodPost, "/submissions/batch", req, &resp)
	return resp, err
}

// Status implements poller.StatusSource.
func (c *apiClient) Status(ctx context.Context, id string) (models.TaskStatus, error) {
	var ts models.TaskStatus
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id)+"/status", nil, &ts)
	return ts, err
}

func (c *apiClient) Action(ctx context.Context, id string, req actionRequest) (actionResponse, error) {
	var resp actionResponse
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/action", req, &resp)
	return resp, err
}

func (c *apiClient) Check(ctx context.Context, req complianceRequest) (models.ComplianceDecision, error) {
	var decision models.ComplianceDecision
	err := c.do(ctx, http.MethodPost, "/compliance/check", req, &decision)
	return decision, err
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(raw)
	}
	u := *c.base
	u.Path = c.base.Path + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential != "" {
		req.Header.Set("X-Automation-Token", c.credential)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var eb struct {
			Error string           `json:"error"`
			Kind  models.ErrorKind `json:"kind"`
		}
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			apiErr.Message, apiErr.Kind = eb.Error, eb.Kind
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode response")
}
