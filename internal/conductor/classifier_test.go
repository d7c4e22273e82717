package conductor

import (
	"testing"
	"time"
)

func TestClassifyReasons(t *testing.T) {
	cases := []struct {
		name     string
		errText  string
		reason   RestartReason
		severity Severity
	}{
		{"timeout prefix", "timeout: agent exceeded 10m0s", ReasonCLITimeout, SeverityRetriable},
		{"deadline", "context deadline exceeded", ReasonCLITimeout, SeverityRetriable},
		{"rate limit phrase", "You've hit your limit. Your limit resets at 3pm", ReasonRateLimited, SeverityBlocking},
		{"429", "API returned 429 Too Many Requests", ReasonRateLimited, SeverityBlocking},
		{"quota", "quota exceeded for this billing period", ReasonRateLimited, SeverityBlocking},
		{"auth", "Error: invalid api key provided", ReasonAuthFailed, SeverityBlocking},
		{"401", "HTTP 401 unauthorized", ReasonAuthFailed, SeverityBlocking},
		{"invalid request", "invalid_request_error: max_tokens must be positive", ReasonInvalidRequest, SeverityBlocking},
		{"bad request", "API returned 400 bad request", ReasonInvalidRequest, SeverityBlocking},
		{"tool call bug", `API Error: tool_use ids were found without tool_result blocks: toolu_01AbCdEf`, ReasonToolCallBug, SeverityRetriable},
		{"500", "API Error: 500 internal server error", ReasonAPIError500, SeverityRetriable},
		{"http 500", "request failed with http 500", ReasonAPIError500, SeverityRetriable},
		{"overloaded", "Error: Overloaded", ReasonOverloaded, SeverityRetriable},
		{"503", "upstream returned 503", ReasonOverloaded, SeverityRetriable},
		{"output too long", "output too long, truncated", ReasonOutputTooLong, SeverityRetriable},
		{"context window", "prompt is too long for the context window", ReasonContextLimit, SeverityGraceful},
		{"network", "dial tcp: connection refused", ReasonNetwork, SeverityRetriable},
		{"cli crash", "cli_error: exit status 2", ReasonCLICrash, SeverityRetriable},
		{"exception prefix", "exception: something odd", ReasonUnknown, SeverityRetriable},
		{"unmatched", "the moon is in the wrong phase", ReasonUnknown, SeverityRetriable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify(tc.errText)
			if c.Reason != tc.reason {
				t.Errorf("reason: expected %s, got %s", tc.reason, c.Reason)
			}
			if c.Severity != tc.severity {
				t.Errorf("severity: expected %d, got %d", tc.severity, c.Severity)
			}
		})
	}
}

func TestRateLimitWinsOver500(t *testing.T) {
	// Provider rate-limit bodies often ride on a 5xx status; the rate
	// limit classification must win so the loop halts instead of retrying.
	c := Classify("500 internal server error: rate limit exceeded")
	if c.Reason != ReasonRateLimited {
		t.Fatalf("expected rate_limited, got %s", c.Reason)
	}
}

func TestRateLimitResetTimeExtraction(t *testing.T) {
	c := Classify("You've hit your limit. It resets at 11:30pm")
	if c.Reason != ReasonRateLimited {
		t.Fatalf("expected rate_limited, got %s", c.Reason)
	}
	if c.ResetTime != "11:30pm" {
		t.Errorf("expected reset time extraction, got %q", c.ResetTime)
	}
}

func TestBackoffCapped(t *testing.T) {
	c := Classification{Reason: ReasonOverloaded}
	if d := Backoff(c, 100); d > 2*time.Minute {
		t.Errorf("overloaded backoff must cap at 2m, got %s", d)
	}
	n := Classification{Reason: ReasonNetwork}
	if d := Backoff(n, 100); d > time.Minute {
		t.Errorf("network backoff must cap at 1m, got %s", d)
	}
}
