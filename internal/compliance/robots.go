package compliance

import (
	"net/url"
	"strings"

	"github.com/temoto/robotstxt"
)

// DefaultUserAgent is sent with every policy fetch and automation request so
// sites can address the courier in robots.txt.
const DefaultUserAgent = "FormCourier/1.0 (+https://github.com/form-courier)"

// RobotsRules is the robots.txt group that applies to one user agent.
type RobotsRules struct {
	// Agent is the product token of the matched group, or "*".
	Agent string
	// Err is set when the body could not be parsed; such rules allow everything.
	Err   error
	group *robotstxt.Group
}

// Allowed reports whether path may be fetched. Nil or empty rules allow everything.
func (r *RobotsRules) Allowed(path string) bool {
	if r == nil || r.group == nil {
		return true
	}
	return r.group.Test(normalizePath(path))
}

// CrawlDelay returns the Crawl-delay of the applicable group in seconds, or 0.
func (r *RobotsRules) CrawlDelay() float64 {
	if r == nil || r.group == nil {
		return 0
	}
	return r.group.CrawlDelay.Seconds()
}

// ParseRobots parses a robots.txt body and returns the rules of the group
// naming userAgent's product token, falling back to the "*" group.
func ParseRobots(body []byte, userAgent string) *RobotsRules {
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return &RobotsRules{Agent: "*", Err: err}
	}
	token := agentToken(userAgent)
	group := data.FindGroup(token)
	agent := "*"
	if token != "" && group != data.FindGroup("*") {
		agent = token
	}
	return &RobotsRules{Agent: agent, group: group}
}

// agentToken returns the lower-cased product token of a User-Agent string,
// e.g. "formcourier" for "FormCourier/1.0 (+https://...)".
func agentToken(userAgent string) string {
	token := strings.TrimSpace(userAgent)
	if i := strings.IndexAny(token, "/ "); i >= 0 {
		token = token[:i]
	}
	return strings.ToLower(token)
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		return "/" + p
	}
	return p
}

// PathFromURL returns the path component of rawURL, or "/" if parsing fails.
func PathFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	return normalizePath(u.Path)
}

// SiteRoot returns scheme://host of rawURL.
func SiteRoot(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", &url.Error{Op: "parse", URL: rawURL, Err: errMissingHost}
	}
	return u.Scheme + "://" + u.Host, nil
}
