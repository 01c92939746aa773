// Package recovery contains Loom's failure-handling machinery: error
// classification, bounded retry with jittered backoff, per-agent circuit
// breakers, and the dead-letter queue for tasks that exhausted recovery.
package recovery

import (
	"strings"
	"time"
)

// Category buckets an error by its likely cause.
type Category string

const (
	CategoryTimeout   Category = "TIMEOUT"
	CategoryRateLimit Category = "RATE_LIMIT"
	CategoryNetwork   Category = "NETWORK"
	CategoryUserError Category = "USER_ERROR"
	CategoryPermanent Category = "PERMANENT"
	CategorySystem    Category = "SYSTEM_ERROR"
)

// Severity grades how alarming a failure is.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Classification is the recovery policy derived from an error message.
type Classification struct {
	Category  Category
	Severity  Severity
	Retryable bool
	// Backoff is the base delay before the first retry; zero for
	// non-retryable categories.
	Backoff time.Duration
}

// classifyRule maps message keywords to a policy. Rules are checked in
// order; the first keyword hit wins.
type classifyRule struct {
	keywords []string
	result   Classification
}

var classifyRules = []classifyRule{
	{
		keywords: []string{"timeout", "timed out"},
		result:   Classification{CategoryTimeout, SeverityMedium, true, 5 * time.Second},
	},
	{
		keywords: []string{"rate limit", "429"},
		result:   Classification{CategoryRateLimit, SeverityMedium, true, 60 * time.Second},
	},
	{
		keywords: []string{"network", "connection"},
		result:   Classification{CategoryNetwork, SeverityMedium, true, 2 * time.Second},
	},
	{
		keywords: []string{"validation", "invalid"},
		result:   Classification{CategoryUserError, SeverityLow, false, 0},
	},
	{
		keywords: []string{"not found", "404"},
		result:   Classification{CategoryPermanent, SeverityLow, false, 0},
	},
}

// systemDefault is the fallback for unrecognized errors. Unknown failures
// are assumed transient but flagged loudly.
var systemDefault = Classification{CategorySystem, SeverityHigh, true, 1 * time.Second}

// Classify derives a recovery policy from the error's message using
// case-insensitive keyword matching.
func Classify(err error) Classification {
	if err == nil {
		return systemDefault
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.result
			}
		}
	}
	return systemDefault
}
