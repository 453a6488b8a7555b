package compliance

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	tosLinkKeywords = []string{
		"terms of service", "terms of use", "terms and conditions", "user agreement",
		"legal notice", "service agreement", "利用規約", "利用条件", "使用条件", "約款",
	}
	automationKeywords = []string{
		"bot", "crawler", "scraping", "automated", "robot", "programmatic", "script",
		"ボット", "クローラー", "スクレイピング", "自動", "プログラム",
	}
	prohibitionKeywords = []string{
		"prohibited", "forbidden", "not allowed", "not permitted", "restrict",
		"禁止", "禁ずる", "不可", "制限",
	}
	contactKeywords = []string{"contact", "support", "inquiry", "連絡", "問い合わせ"}
)

// ToSFindings is the heuristic reading of a terms-of-service page.
type ToSFindings struct {
	Warnings        []string
	Errors          []string
	Recommendations []string
}

// DiscoverToSURL scans a home page for an anchor whose text names a
// terms-of-service document and returns its absolute URL, or "".
func DiscoverToSURL(baseURL string, page []byte) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	z := html.NewTokenizer(bytes.NewReader(page))
	var href string
	var text strings.Builder
	inAnchor := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			tok := z.Token()
			if tok.DataAtom != atom.A {
				continue
			}
			href, inAnchor = "", false
			for _, attr := range tok.Attr {
				if attr.Key == "href" && strings.TrimSpace(attr.Val) != "" {
					href, inAnchor = strings.TrimSpace(attr.Val), true
				}
			}
			text.Reset()
		case html.TextToken:
			if inAnchor {
				text.Write(z.Text())
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if !inAnchor || atom.Lookup(name) != atom.A {
				continue
			}
			inAnchor = false
			if containsAny(strings.ToLower(text.String()), tosLinkKeywords) != "" {
				ref, err := url.Parse(href)
				if err != nil {
					continue
				}
				return base.ResolveReference(ref).String()
			}
		}
	}
}

// PageText extracts the visible text of an HTML document, skipping script
// and style elements.
func PageText(page []byte) string {
	z := html.NewTokenizer(bytes.NewReader(page))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			if a := atom.Lookup(name); a == atom.Script || a == atom.Style {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if a := atom.Lookup(name); (a == atom.Script || a == atom.Style) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

// AnalyzeToS applies keyword heuristics to terms-of-service text. Automation
// wording together with prohibition wording is an error; automation wording
// alone is a warning.
func AnalyzeToS(text string) ToSFindings {
	var f ToSFindings
	content := strings.ToLower(text)

	var found []string
	for _, kw := range automationKeywords {
		if strings.Contains(content, kw) {
			found = append(found, kw)
		}
	}
	if len(found) > 3 {
		found = found[:3]
	}
	if len(found) > 0 {
		if containsAny(content, prohibitionKeywords) != "" {
			f.Errors = append(f.Errors, fmt.Sprintf(
				"terms of service may prohibit automated access (keywords: %s)", strings.Join(found, ", ")))
			f.Recommendations = append(f.Recommendations,
				"contact the site manually or obtain permission before automated submission")
		} else {
			f.Warnings = append(f.Warnings, fmt.Sprintf(
				"terms of service mention automation, review recommended (keywords: %s)", strings.Join(found, ", ")))
		}
	}
	if containsAny(content, contactKeywords) == "" {
		f.Recommendations = append(f.Recommendations,
			"no contact information found in terms of service; consider asking for permission first")
	}
	return f
}

func containsAny(s string, keywords []string) string {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return kw
		}
	}
	return ""
}
