package extract

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Challenge kinds reported by DetectChallenge.
const (
	ChallengeRecaptcha  = "recaptcha"
	ChallengeHCaptcha   = "hcaptcha"
	ChallengeCloudflare = "cloudflare"
	ChallengeFunCaptcha = "funcaptcha"
	ChallengeGeeTest    = "geetest"
	ChallengeImage      = "image"
	ChallengeCustom     = "custom"
	ChallengePage       = "challenge_page"
)

// Challenge describes a CAPTCHA or bot-protection interstitial found in a
// fetched page. Such pages must never be stored as the target's content.
type Challenge struct {
	Detected bool   `json:"detected"`
	Kind     string `json:"kind,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// minimalTextLen is the visible-text length below which body patterns are
// consulted. Real pages mentioning "Cloudflare" must not be flagged.
const minimalTextLen = 100

var challengeTitles = []struct{ pattern, kind string }{
	{"just a moment", ChallengeCloudflare},
	{"attention required", ChallengeCloudflare},
	{"checking your browser", ChallengeCloudflare},
	{"security check", ChallengePage},
	{"access denied", ChallengePage},
	{"please wait", ChallengePage},
	{"verify you are human", ChallengePage},
	{"one more step", ChallengePage},
	{"are you a robot", ChallengePage},
	{"prove you are human", ChallengePage},
	{"enable cookies", ChallengePage},
	{"enable javascript", ChallengePage},
}

var challengePatterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)cf-browser-verification`), ChallengeCloudflare},
	{regexp.MustCompile(`(?i)cf-challenge`), ChallengeCloudflare},
	{regexp.MustCompile(`(?i)challenge-form`), ChallengeCloudflare},
	{regexp.MustCompile(`(?i)ray\s*id:\s*[a-f0-9]+`), ChallengeCloudflare},
	{regexp.MustCompile(`(?i)checking\s+your\s+browser`), ChallengePage},
	{regexp.MustCompile(`(?i)this\s+process\s+is\s+automatic`), ChallengePage},
	{regexp.MustCompile(`(?i)verify\s+you\s+are\s+human`), ChallengePage},
	{regexp.MustCompile(`(?i)please\s+complete\s+the\s+security\s+check`), ChallengePage},
	{regexp.MustCompile(`(?i)enable\s+javascript\s+to\s+continue`), ChallengePage},
	{regexp.MustCompile(`(?i)ddos\s+protection\s+by`), ChallengePage},
	{regexp.MustCompile(`(?i)browser\s+verification\s+required`), ChallengePage},
	{regexp.MustCompile(`(?i)datadome[-\s]?protection`), ChallengePage},
	{regexp.MustCompile(`(?i)perimeterx`), ChallengePage},
	{regexp.MustCompile(`(?i)incapsula`), ChallengePage},
	{regexp.MustCompile(`(?i)akamai\s+bot\s+manager`), ChallengePage},
}

var challengeScripts = []struct{ pattern, kind string }{
	{"google.com/recaptcha", ChallengeRecaptcha},
	{"recaptcha/api", ChallengeRecaptcha},
	{"hcaptcha.com", ChallengeHCaptcha},
	{"funcaptcha", ChallengeFunCaptcha},
	{"arkoselabs", ChallengeFunCaptcha},
	{"geetest", ChallengeGeeTest},
	{"challenges.cloudflare.com", ChallengeCloudflare},
	{"datadome", ChallengePage},
	{"perimeterx", ChallengePage},
}

// DetectChallenge inspects raw HTML for CAPTCHA widgets and bot-protection
// interstitials. Checks run from most to least specific: widget markup,
// page title, script sources, then body text patterns when the page has
// almost no visible text.
func DetectChallenge(rawHTML []byte) Challenge {
	doc, err := html.Parse(bytes.NewReader(rawHTML))
	if err != nil {
		return Challenge{}
	}

	if c := challengeFromWidgets(doc); c.Detected {
		return c
	}

	title := strings.ToLower(findTitle(doc))
	for _, t := range challengeTitles {
		if strings.Contains(title, t.pattern) {
			return Challenge{Detected: true, Kind: t.kind, Reason: "title: " + t.pattern}
		}
	}

	for _, s := range findAllByTag(doc, atom.Script) {
		src := strings.ToLower(getAttr(s, "src"))
		if s.FirstChild != nil {
			body := s.FirstChild.Data
			if len(body) > 200 {
				body = body[:200]
			}
			src += " " + strings.ToLower(body)
		}
		for _, p := range challengeScripts {
			if strings.Contains(src, p.pattern) {
				return Challenge{Detected: true, Kind: p.kind, Reason: "script: " + p.pattern}
			}
		}
	}

	body := findFirst(doc, atom.Body)
	if body == nil {
		body = doc
	}
	if len(collectText(body)) < minimalTextLen {
		for _, p := range challengePatterns {
			if p.re.Match(rawHTML) {
				return Challenge{Detected: true, Kind: p.kind, Reason: "pattern: " + p.re.String()}
			}
		}
	}
	return Challenge{}
}

func challengeFromWidgets(doc *html.Node) Challenge {
	var found Challenge
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found.Detected {
			return
		}
		if n.Type == html.ElementNode {
			if kind, reason := widgetKind(n); kind != "" {
				found = Challenge{Detected: true, Kind: kind, Reason: reason}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return found
}

func widgetKind(n *html.Node) (kind, reason string) {
	src := strings.ToLower(getAttr(n, "src"))
	class := strings.ToLower(getAttr(n, "class"))
	id := strings.ToLower(getAttr(n, "id"))

	switch n.DataAtom {
	case atom.Iframe:
		switch {
		case strings.Contains(src, "recaptcha/api2/anchor"):
			return ChallengeRecaptcha, "iframe: recaptcha"
		case strings.Contains(src, "hcaptcha.com"):
			return ChallengeHCaptcha, "iframe: hcaptcha"
		case strings.Contains(src, "challenges.cloudflare.com"):
			return ChallengeCloudflare, "iframe: turnstile"
		case strings.Contains(src, "funcaptcha.com"), strings.Contains(src, "arkoselabs.com"):
			return ChallengeFunCaptcha, "iframe: arkose"
		}
	case atom.Img:
		if strings.Contains(src, "captcha") || strings.Contains(strings.ToLower(getAttr(n, "alt")), "captcha") {
			return ChallengeImage, "img: captcha"
		}
	case atom.Input:
		name := strings.ToLower(getAttr(n, "name"))
		ph := strings.ToLower(getAttr(n, "placeholder"))
		if strings.Contains(name, "captcha") || strings.Contains(ph, "captcha") {
			return ChallengeCustom, "input: captcha"
		}
	case atom.Div:
		switch {
		case hasClass(class, "g-recaptcha") && hasAttr(n, "data-sitekey"):
			return ChallengeRecaptcha, "div: g-recaptcha"
		case hasAttr(n, "data-hcaptcha-widget-id"):
			return ChallengeHCaptcha, "div: hcaptcha"
		case strings.Contains(class, "geetest") || strings.Contains(id, "geetest"):
			return ChallengeGeeTest, "div: geetest"
		}
	}
	if strings.Contains(class, "funcaptcha") || strings.Contains(id, "funcaptcha") {
		return ChallengeFunCaptcha, "element: funcaptcha"
	}
	if id == "challenge-form" || hasClass(class, "cf-challenge") {
		return ChallengeCloudflare, "element: cf challenge"
	}
	return "", ""
}

func hasClass(classAttr, want string) bool {
	for _, c := range strings.Fields(classAttr) {
		if c == want {
			return true
		}
	}
	return false
}
