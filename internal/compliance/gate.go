// Package compliance decides whether, and how slowly, a target site may be contacted.
package compliance

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"form-courier/internal/metrics"
	"form-courier/internal/models"
)

const (
	// unavailableDelay is the conservative spacing used when policy text cannot be fetched.
	unavailableDelay = 2.0
	// strictWarningPenalty is added to the delay for every warning at strict level.
	strictWarningPenalty = 1.0
	// moderateMaxErrors is the number of errors moderate level tolerates.
	moderateMaxErrors = 2
	// recommendSpacingAbove triggers a spacing recommendation.
	recommendSpacingAbove = 5.0
)

// levelFloor is the minimum delay in seconds per compliance level.
var levelFloor = map[models.ComplianceLevel]float64{
	models.ComplianceStrict:     5,
	models.ComplianceModerate:   2,
	models.CompliancePermissive: 1,
}

// Checker is what the worker and scheduler need from the gate.
type Checker interface {
	Evaluate(ctx context.Context, rawURL string, level models.ComplianceLevel) (models.ComplianceDecision, error)
}

// Gate evaluates fetched site policy against a compliance level. It keeps no
// mutable state of its own and is safe for concurrent use.
type Gate struct {
	fetcher   PolicyFetcher
	userAgent string
	log       *zap.SugaredLogger
}

// NewGate returns a gate reading policy through fetcher.
func NewGate(fetcher PolicyFetcher, userAgent string, log *zap.SugaredLogger) *Gate {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gate{fetcher: fetcher, userAgent: userAgent, log: log}
}

// Floor returns the minimum delay for a level.
func Floor(level models.ComplianceLevel) float64 {
	if f, ok := levelFloor[level]; ok {
		return f
	}
	return levelFloor[models.ComplianceModerate]
}

// Evaluate returns the decision for contacting rawURL. Only a malformed URL
// or unknown level is an error; an unreachable policy yields an allowed
// decision with a warning and a conservative delay.
func (g *Gate) Evaluate(ctx context.Context, rawURL string, level models.ComplianceLevel) (models.ComplianceDecision, error) {
	if _, ok := levelFloor[level]; !ok {
		return models.ComplianceDecision{}, models.NewJobError(models.ErrorKindValidation, "unknown compliance level %q", level)
	}
	if _, err := SiteRoot(rawURL); err != nil {
		return models.ComplianceDecision{}, models.NewJobError(models.ErrorKindValidation, "invalid url %q", rawURL)
	}

	d := models.ComplianceDecision{
		URL:             rawURL,
		Level:           level,
		Allowed:         true,
		DelaySeconds:    Floor(level),
		Warnings:        []string{},
		Errors:          []string{},
		Recommendations: []string{},
	}

	policy, err := g.fetcher.FetchPolicy(ctx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return models.ComplianceDecision{}, errors.Wrap(ctx.Err(), "compliance check interrupted")
		}
		g.log.Warnw("site policy unavailable", "url", rawURL, "error", err)
		d.Warnings = append(d.Warnings, fmt.Sprintf("site policy could not be retrieved: %v", err))
		d.DelaySeconds = math.Max(d.DelaySeconds, unavailableDelay)
		return g.finish(d), nil
	}

	disallowed := false
	rules := ParseRobots(policy.Robots, g.userAgent)
	if rules.Err != nil {
		g.log.Warnw("unparseable robots.txt", "url", policy.RobotsURL, "error", rules.Err)
		d.Warnings = append(d.Warnings, fmt.Sprintf("robots.txt at %s could not be parsed", policy.RobotsURL))
	}
	path := PathFromURL(rawURL)
	if !rules.Allowed(path) {
		disallowed = true
		d.Errors = append(d.Errors, fmt.Sprintf("robots.txt disallows %s for user-agent %s", path, rules.Agent))
		d.Recommendations = append(d.Recommendations, "do not contact this target automatically")
	}
	d.DelaySeconds = math.Max(d.DelaySeconds, rules.CrawlDelay())

	switch {
	case policy.ToSURL == "":
		if level == models.ComplianceStrict {
			d.Warnings = append(d.Warnings, "no terms of service found; manual review recommended")
		}
	case policy.ToSError != "":
		d.Warnings = append(d.Warnings, fmt.Sprintf("terms of service at %s could not be retrieved: %s", policy.ToSURL, policy.ToSError))
	default:
		f := AnalyzeToS(policy.ToS)
		d.Warnings = append(d.Warnings, f.Warnings...)
		d.Errors = append(d.Errors, f.Errors...)
		d.Recommendations = append(d.Recommendations, f.Recommendations...)
	}

	switch level {
	case models.ComplianceStrict:
		if len(d.Errors) > 0 {
			d.Allowed = false
		}
	case models.ComplianceModerate:
		if len(d.Errors) > moderateMaxErrors {
			d.Allowed = false
		}
	}
	if disallowed {
		d.Allowed = false
	}
	return g.finish(d), nil
}

func (g *Gate) finish(d models.ComplianceDecision) models.ComplianceDecision {
	if d.Level == models.ComplianceStrict {
		d.DelaySeconds += strictWarningPenalty * float64(len(d.Warnings))
	}
	if d.DelaySeconds > recommendSpacingAbove {
		d.Recommendations = append(d.Recommendations,
			fmt.Sprintf("keep at least %gs between requests to this site", d.DelaySeconds))
	}
	metrics.ComplianceDecisions.WithLabelValues(string(d.Level), strconv.FormatBool(d.Allowed)).Inc()
	g.log.Debugw("compliance decision", "url", d.URL, "level", d.Level, "allowed", d.Allowed,
		"delay_seconds", d.DelaySeconds, "warnings", len(d.Warnings), "errors", len(d.Errors))
	return d
}
