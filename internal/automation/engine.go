// Package automation talks to the browser-automation engine that loads target
// pages, detects contact forms and submits them, and prepares the values it types.
package automation

import (
	"context"

	"github.com/cockroachdb/errors"

	"form-courier/internal/models"
)

var (
	// ErrUnreachable means the engine could not load the target page.
	ErrUnreachable = errors.New("target unreachable")
	// ErrTimeout means the engine gave up waiting on the target.
	ErrTimeout = errors.New("automation timed out")
	// ErrTransport means the engine itself could not be reached or was overloaded.
	ErrTransport = errors.New("automation transport failure")
)

// SubmitOptions tunes a single submit call.
type SubmitOptions struct {
	TakeScreenshot bool
}

// Engine is the capability interface of the automation collaborator.
type Engine interface {
	Detect(ctx context.Context, url string) ([]models.FormDescriptor, error)
	Submit(ctx context.Context, form models.FormDescriptor, values map[string]string, opts SubmitOptions) (models.SubmissionOutcome, error)
}
