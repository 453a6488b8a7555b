package compliance

import (
	"testing"
)

func TestParseRobots_Allowed(t *testing.T) {
	body := `
User-agent: *
Disallow: /admin
Disallow: /search
Allow: /search/help

User-agent: Googlebot
Crawl-delay: 10
`
	r := ParseRobots([]byte(body), DefaultUserAgent)

	for _, path := range []string{"/contact", "/company/about", "/search/help/faq"} {
		if !r.Allowed(path) {
			t.Errorf("expected path %q to be allowed", path)
		}
	}
	for _, path := range []string{"/search", "/search.php", "/admin/login"} {
		if r.Allowed(path) {
			t.Errorf("expected path %q to be disallowed", path)
		}
	}
	if r.CrawlDelay() != 0 {
		t.Errorf("googlebot crawl-delay leaked into * group: %v", r.CrawlDelay())
	}
	if r.Agent != "*" {
		t.Errorf("Agent = %q, want *", r.Agent)
	}
}

func TestParseRobots_OwnAgentBeatsWildcard(t *testing.T) {
	body := `
User-agent: *
Disallow: /
Crawl-delay: 1

User-agent: OtherBot
User-agent: FormCourier
Allow: /
Crawl-delay: 3
`
	r := ParseRobots([]byte(body), DefaultUserAgent)
	if !r.Allowed("/contact") {
		t.Error("own group allows everything, wildcard must not apply")
	}
	if r.CrawlDelay() != 3 {
		t.Errorf("CrawlDelay = %v, want 3", r.CrawlDelay())
	}
	if r.Agent != "formcourier" {
		t.Errorf("Agent = %q", r.Agent)
	}
}

func TestParseRobots_DisallowAll(t *testing.T) {
	r := ParseRobots([]byte("User-agent: *\nDisallow: / # everything\nCrawl-delay: 4.5\n"), DefaultUserAgent)
	if r.Allowed("/") || r.Allowed("/contact") {
		t.Error("Disallow: / should block every path")
	}
	if r.CrawlDelay() != 4.5 {
		t.Errorf("CrawlDelay = %v, want 4.5", r.CrawlDelay())
	}
}

func TestParseRobots_NilEmptyAllowed(t *testing.T) {
	var r *RobotsRules
	if !r.Allowed("/anything") {
		t.Error("nil rules should allow all")
	}
	empty := ParseRobots([]byte("User-agent: *\nDisallow:\n"), DefaultUserAgent)
	if !empty.Allowed("/search") {
		t.Error("empty disallow should allow all")
	}
	none := ParseRobots(nil, DefaultUserAgent)
	if !none.Allowed("/") {
		t.Error("missing robots.txt should allow all")
	}
}

func TestPathFromURL(t *testing.T) {
	if got := PathFromURL("https://example.co.jp/contact/form"); got != "/contact/form" {
		t.Errorf("PathFromURL = %q", got)
	}
	if got := PathFromURL("https://example.co.jp/inquiry.php?lang=ja"); got != "/inquiry.php" {
		t.Errorf("PathFromURL = %q", got)
	}
	if got := PathFromURL("https://example.co.jp"); got != "/" {
		t.Errorf("PathFromURL root = %q", got)
	}
}

func TestSiteRoot(t *testing.T) {
	root, err := SiteRoot("https://example.com:8443/contact?x=1")
	if err != nil || root != "https://example.com:8443" {
		t.Errorf("SiteRoot = %q, %v", root, err)
	}
	if _, err := SiteRoot("example.com/contact"); err == nil {
		t.Error("expected error for relative url")
	}
}

func TestParseRobots_WildcardAndAnchor(t *testing.T) {
	body := `
User-agent: *
Disallow: /*.php$
Disallow: /private*/
Allow: /private-help/
`
	r := ParseRobots([]byte(body), DefaultUserAgent)
	for _, path := range []string{"/inquiry.php", "/contact/form.php", "/privateer/", "/private/forms/"} {
		if r.Allowed(path) {
			t.Errorf("expected path %q to be disallowed", path)
		}
	}
	for _, path := range []string{"/inquiry.php5", "/contact/", "/private-help/faq", "/private"} {
		if !r.Allowed(path) {
			t.Errorf("expected path %q to be allowed", path)
		}
	}
}

func TestParseRobots_AgentMatchIgnoresCase(t *testing.T) {
	r := ParseRobots([]byte("User-agent: formCOURIER\nDisallow: /contact\n"), "FormCourier/2.0")
	if r.Allowed("/contact") {
		t.Error("agent group should match regardless of case")
	}
	if r.Agent != "formcourier" {
		t.Errorf("Agent = %q", r.Agent)
	}
	other := ParseRobots([]byte("User-agent: formCOURIER\nDisallow: /contact\n"), "OtherBot/1.0")
	if !other.Allowed("/contact") {
		t.Error("another agent's group must not apply")
	}
	if other.Agent != "*" {
		t.Errorf("Agent = %q, want *", other.Agent)
	}
}
