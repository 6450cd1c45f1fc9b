package errclass

import (
	"regexp"
	"strings"
)

type pattern struct {
	kind Kind
	re   *regexp.Regexp
}

// Order matters: the first match wins.
var messagePatterns = []pattern{
	{KindQuotaExceeded, regexp.MustCompile(`insufficient[_ ]quota|exceeded your current quota|quota (exceeded|exhausted)|billing|credit balance|payment required`)},
	{KindRateLimit, regexp.MustCompile(`rate[_ -]?limit|too many requests|requests per (second|minute|min|day)|throttl|\b429\b`)},
	{KindContextLength, regexp.MustCompile(`context[_ ]length|context window|maximum context|too many tokens|token limit|prompt is too long|input is too long|exceeds the maximum`)},
	{KindContentFilter, regexp.MustCompile(`content[_ ]?(filter|policy|management)|moderation|flagged|safety|blocked`)},
	{KindAuthentication, regexp.MustCompile(`invalid[_ ]?api[_ ]?key|incorrect api key|unauthori[sz]ed|unauthenticated|authentication|\b401\b`)},
	{KindAuthorization, regexp.MustCompile(`permission|forbidden|access denied|not allowed|\b403\b`)},
	{KindModelNotFound, regexp.MustCompile(`model\S* (\S+ )?(not found|does not exist|is not available)|no such model|unknown model|\b404\b`)},
	{KindTimeout, regexp.MustCompile(`timed? ?out|deadline exceeded|\b408\b|\b504\b`)},
	{KindNetwork, regexp.MustCompile(`connection (reset|refused|closed|aborted)|no such host|broken pipe|\beof\b|dial tcp|tls handshake|network is unreachable`)},
	{KindServer, regexp.MustCompile(`internal server error|bad gateway|service unavailable|overloaded|server error|\b50[0-3]\b|\b529\b`)},
	{KindValidation, regexp.MustCompile(`validation|must be between|out of range|invalid value`)},
	{KindInvalidRequest, regexp.MustCompile(`invalid request|bad request|malformed|\b400\b`)},
}

func matchMessage(msg string) Kind {
	msg = strings.ToLower(msg)
	for _, p := range messagePatterns {
		if p.re.MatchString(msg) {
			return p.kind
		}
	}
	return ""
}

// refinable kinds come from coarse status codes; a message can narrow them.
var refinable = map[Kind]bool{
	KindInvalidRequest: true,
	KindRateLimit:      true,
	KindAuthorization:  true,
	KindServer:         true,
}

var refinements = map[Kind][]Kind{
	KindInvalidRequest: {KindContextLength, KindContentFilter, KindModelNotFound, KindValidation},
	KindRateLimit:      {KindQuotaExceeded},
	KindAuthorization:  {KindQuotaExceeded, KindContentFilter},
	KindServer:         {KindTimeout},
}

func refines(coarse, fine Kind) bool {
	for _, k := range refinements[coarse] {
		if k == fine {
			return true
		}
	}
	return false
}

func providerHeuristic(provider string, status int, msg string) Kind {
	msg = strings.ToLower(msg)
	switch strings.ToLower(provider) {
	case "anthropic":
		if status == 529 || strings.Contains(msg, "overloaded") {
			return KindServer
		}
	case "openai", "azure", "openrouter":
		if strings.Contains(msg, "insufficient_quota") {
			return KindQuotaExceeded
		}
		if strings.Contains(msg, "engine is currently") {
			return KindServer
		}
	case "gemini", "google", "vertex":
		if k := kindFromGRPCStatus(grpcStatusIn(msg), msg); k != "" {
			return k
		}
		if strings.Contains(msg, "recitation") {
			return KindContentFilter
		}
	}
	if status >= 500 {
		return KindServer
	}
	return ""
}

var grpcStatuses = []string{
	"resource_exhausted", "unauthenticated", "permission_denied", "not_found",
	"invalid_argument", "failed_precondition", "deadline_exceeded", "unavailable", "internal",
}

func grpcStatusIn(msg string) string {
	for _, s := range grpcStatuses {
		if strings.Contains(msg, s) {
			return s
		}
	}
	return ""
}
