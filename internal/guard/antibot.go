package guard

import (
	"strings"
)

// Verdict classifies a request's client fingerprint.
type Verdict int

const (
	VerdictHuman Verdict = iota
	VerdictBot
	VerdictThreat
)

// AntiBot applies cheap user-agent heuristics. It runs in log-only mode by
// default: detections are reported but not enforced until LogOnly is false.
type AntiBot struct {
	// LogOnly disables enforcement; detections are still returned so the
	// pipeline can log them.
	LogOnly bool

	// ExtraBotMarkers extends the built-in substring list.
	ExtraBotMarkers []string
}

// Built-in lowercase substrings that mark automated clients. Scripted SDK
// traffic (python-requests etc.) is classified as bot, scanners as threat.
var botMarkers = []string{
	"bot", "crawler", "spider", "scrapy", "curl/", "wget/",
	"python-requests", "python-urllib", "go-http-client", "java/",
}

var threatMarkers = []string{
	"sqlmap", "nikto", "nmap", "masscan", "zgrab", "dirbuster",
}

// Inspect classifies the user agent. An empty user agent is treated as a bot.
func (a *AntiBot) Inspect(userAgent string) Verdict {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return VerdictBot
	}
	for _, m := range threatMarkers {
		if strings.Contains(ua, m) {
			return VerdictThreat
		}
	}
	for _, m := range botMarkers {
		if strings.Contains(ua, m) {
			return VerdictBot
		}
	}
	for _, m := range a.ExtraBotMarkers {
		if m != "" && strings.Contains(ua, strings.ToLower(m)) {
			return VerdictBot
		}
	}
	return VerdictHuman
}

// ShouldBlock reports whether the verdict must short-circuit the request.
// Log-only mode never blocks.
func (a *AntiBot) ShouldBlock(v Verdict) bool {
	if a.LogOnly {
		return false
	}
	return v != VerdictHuman
}

// String returns the verdict label used in log fields.
func (v Verdict) String() string {
	switch v {
	case VerdictBot:
		return "bot"
	case VerdictThreat:
		return "threat"
	default:
		return "human"
	}
}
