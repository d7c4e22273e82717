package conductor

import (
	"regexp"
	"strings"
	"time"

	"voyager/internal/logging"
)

// RestartReason classifies why an agent invocation failed.
type RestartReason string

const (
	ReasonCLITimeout     RestartReason = "cli_timeout"
	ReasonRateLimited    RestartReason = "rate_limited"
	ReasonAuthFailed     RestartReason = "auth_failed"
	ReasonInvalidRequest RestartReason = "invalid_request"
	ReasonToolCallBug    RestartReason = "tool_call_bug"
	ReasonAPIError500    RestartReason = "api_error_500"
	ReasonOverloaded     RestartReason = "overloaded"
	ReasonOutputTooLong  RestartReason = "output_too_long"
	ReasonContextLimit   RestartReason = "context_overflow"
	ReasonNetwork        RestartReason = "network"
	ReasonCLICrash       RestartReason = "cli_crash"
	ReasonUnknown        RestartReason = "unknown"
)

// Severity groups restart reasons by how the loop should react.
type Severity int

const (
	// SeverityGraceful restarts do not consume the restart budget: the
	// session ran out of context and a planned handoff restart follows.
	SeverityGraceful Severity = iota
	// SeverityRetriable restarts consume budget: the failure is transient
	// (timeouts, 5xx, overload) and retries are bounded.
	SeverityRetriable
	// SeverityBlocking halts the loop; retrying cannot help.
	SeverityBlocking
)

// Classification is the outcome of classifying one failure.
type Classification struct {
	Reason    RestartReason
	Severity  Severity
	ResetTime string // populated for rate limits when the message names one
	Detail    string
}

var (
	toolUseIDRe = regexp.MustCompile(`tool_use\s*id[s]?[^a-zA-Z0-9_]*(toolu_[a-zA-Z0-9]+)`)
	resetTimeRe = regexp.MustCompile(`(?i)(?:resets?|try again)(?:\s+\w+)*?\s+at\s+([0-9]{1,2}(?::[0-9]{2})?\s*(?:am|pm|AM|PM|UTC)?)`)
)

// Classify inspects an error message from a failed agent invocation and
// sorts it into a restart reason. Patterns are checked in a fixed order;
// rate-limit phrasing is matched before generic 500 checks because
// provider rate-limit bodies often carry a 5xx status too.
func Classify(errText string) Classification {
	msg := strings.TrimSpace(errText)
	lower := strings.ToLower(msg)

	switch {
	case strings.HasPrefix(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return Classification{Reason: ReasonCLITimeout, Severity: SeverityRetriable, Detail: msg}

	case strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "429") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "hit your limit"):
		c := Classification{Reason: ReasonRateLimited, Severity: SeverityBlocking, Detail: msg}
		if m := resetTimeRe.FindStringSubmatch(msg); len(m) > 1 {
			c.ResetTime = strings.TrimSpace(m[1])
		}
		return c

	case strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "401"):
		return Classification{Reason: ReasonAuthFailed, Severity: SeverityBlocking, Detail: msg}

	case strings.Contains(lower, "invalid request") ||
		strings.Contains(lower, "invalid_request") ||
		strings.Contains(lower, "bad request"):
		return Classification{Reason: ReasonInvalidRequest, Severity: SeverityBlocking, Detail: msg}

	case toolUseIDRe.MatchString(lower) ||
		strings.Contains(lower, "tool_use ids were found without"):
		return Classification{Reason: ReasonToolCallBug, Severity: SeverityRetriable, Detail: msg}

	case strings.Contains(lower, "internal server error") ||
		strings.Contains(lower, "error 500") ||
		strings.Contains(lower, "http 500") ||
		strings.Contains(lower, "status 500"):
		return Classification{Reason: ReasonAPIError500, Severity: SeverityRetriable, Detail: msg}

	case strings.Contains(lower, "overloaded") || strings.Contains(lower, "503"):
		return Classification{Reason: ReasonOverloaded, Severity: SeverityRetriable, Detail: msg}

	case strings.Contains(lower, "output too long") ||
		strings.Contains(lower, "max output tokens"):
		return Classification{Reason: ReasonOutputTooLong, Severity: SeverityRetriable, Detail: msg}

	case strings.Contains(lower, "context length") ||
		strings.Contains(lower, "context window") ||
		strings.Contains(lower, "prompt is too long"):
		return Classification{Reason: ReasonContextLimit, Severity: SeverityGraceful, Detail: msg}

	case strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "network"):
		return Classification{Reason: ReasonNetwork, Severity: SeverityRetriable, Detail: msg}

	case strings.HasPrefix(lower, "cli_error:"):
		return Classification{Reason: ReasonCLICrash, Severity: SeverityRetriable, Detail: msg}

	case strings.HasPrefix(lower, "exception:"):
		return Classification{Reason: ReasonUnknown, Severity: SeverityRetriable, Detail: msg}
	}

	logging.ConductorDebug("unclassified failure: %.120s", msg)
	return Classification{Reason: ReasonUnknown, Severity: SeverityRetriable, Detail: msg}
}

// Backoff returns how long to wait before restarting after a failure of
// the given kind. attempt is 1-based.
func Backoff(c Classification, attempt int) time.Duration {
	switch c.Reason {
	case ReasonOverloaded, ReasonAPIError500:
		d := time.Duration(attempt) * 15 * time.Second
		if d > 2*time.Minute {
			d = 2 * time.Minute
		}
		return d
	case ReasonNetwork:
		d := time.Duration(attempt) * 5 * time.Second
		if d > time.Minute {
			d = time.Minute
		}
		return d
	case ReasonCLITimeout, ReasonToolCallBug, ReasonOutputTooLong, ReasonContextLimit:
		return 2 * time.Second
	default:
		return 5 * time.Second
	}
}
