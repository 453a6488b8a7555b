package compliance

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const maxPolicyBytes = 2 << 20

var errMissingHost = errors.New("url must be absolute with a host")

// Policy is the raw policy text published by one site.
type Policy struct {
	Site      string
	RobotsURL string
	Robots    []byte
	// ToSURL is empty when no terms-of-service link was found on the home page.
	ToSURL string
	ToS    string
	// ToSError is set when a ToS link was found but could not be retrieved.
	ToSError  string
	FetchedAt time.Time
}

// PolicyFetcher retrieves the policy of the site serving rawURL.
type PolicyFetcher interface {
	FetchPolicy(ctx context.Context, rawURL string) (*Policy, error)
}

// HTTPFetcher fetches robots.txt, the home page and the ToS page over HTTP and
// caches successful results per site.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	cache     *gocache.Cache
	log       *zap.SugaredLogger
}

// NewHTTPFetcher builds a fetcher. A ttl <= 0 disables caching.
func NewHTTPFetcher(client *http.Client, userAgent string, ttl time.Duration, log *zap.SugaredLogger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	f := &HTTPFetcher{client: client, userAgent: userAgent, log: log}
	if ttl > 0 {
		f.cache = gocache.New(ttl, 2*ttl)
	}
	return f
}

// FetchPolicy returns the cached policy for the site or fetches it. A missing
// robots.txt (404/410) is an empty policy, not an error.
func (f *HTTPFetcher) FetchPolicy(ctx context.Context, rawURL string) (*Policy, error) {
	site, err := SiteRoot(rawURL)
	if err != nil {
		return nil, err
	}
	if f.cache != nil {
		if cached, ok := f.cache.Get(site); ok {
			return cached.(*Policy), nil
		}
	}

	policy := &Policy{Site: site, RobotsURL: site + "/robots.txt", FetchedAt: time.Now().UTC()}
	body, status, err := f.get(ctx, policy.RobotsURL)
	switch {
	case err != nil:
		return nil, errors.Wrapf(err, "fetch %s", policy.RobotsURL)
	case status == http.StatusOK:
		policy.Robots = body
	case status == http.StatusNotFound || status == http.StatusGone:
		// no robots.txt: nothing is disallowed
	default:
		return nil, errors.Newf("fetch %s: unexpected status %d", policy.RobotsURL, status)
	}

	home, status, err := f.get(ctx, site+"/")
	if err != nil || status != http.StatusOK {
		f.log.Debugw("home page unavailable, skipping ToS discovery", "site", site, "status", status, "error", err)
	} else {
		policy.ToSURL = DiscoverToSURL(site+"/", home)
	}

	if policy.ToSURL != "" {
		tos, status, err := f.get(ctx, policy.ToSURL)
		switch {
		case err != nil:
			policy.ToSError = err.Error()
		case status != http.StatusOK:
			policy.ToSError = http.StatusText(status)
		default:
			policy.ToS = PageText(tos)
		}
	}

	if f.cache != nil {
		f.cache.SetDefault(site, policy)
	}
	return policy, nil
}

func (f *HTTPFetcher) get(ctx context.Context, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPolicyBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
