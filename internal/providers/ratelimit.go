package providers

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tributary-ai/model-hopper/internal/quota"
	"github.com/tributary-ai/model-hopper/internal/types"
)

// RateLimitHeaders names the response headers a vendor uses to report its
// request budget.
type RateLimitHeaders struct {
	Remaining string
	Limit     string
	Reset     string

	// ParseReset converts the reset header into an absolute time. Nil means
	// the reset header is ignored.
	ParseReset func(value string, now time.Time) *time.Time
}

// OpenAIStyleHeaders is the x-ratelimit-* family emitted by OpenAI and by
// most OpenAI compatible gateways.
var OpenAIStyleHeaders = RateLimitHeaders{
	Remaining:  "x-ratelimit-remaining-requests",
	Limit:      "x-ratelimit-limit-requests",
	Reset:      "x-ratelimit-reset-requests",
	ParseReset: ParseResetAfter,
}

// Quota extracts a snapshot from h. The second return value is false when
// the counters are missing or unusable, in which case the caller must leave
// its tracked quota unchanged.
func (r RateLimitHeaders) Quota(h http.Header) (types.QuotaState, bool) {
	if h == nil {
		return types.QuotaState{}, false
	}

	var resetAt *time.Time
	if r.ParseReset != nil && r.Reset != "" {
		if value := h.Get(r.Reset); value != "" {
			resetAt = r.ParseReset(value, time.Now())
		}
	}
	return QuotaFromCounters(h.Get(r.Remaining), h.Get(r.Limit), resetAt)
}

// QuotaFromCounters computes round((limit-remaining)/limit*100) as the used
// percentage. Empty, non-numeric, non-finite or limit <= 0 inputs yield false.
func QuotaFromCounters(remaining, limit string, resetAt *time.Time) (types.QuotaState, bool) {
	remainingNum, ok := parseCounter(remaining)
	if !ok {
		return types.QuotaState{}, false
	}
	limitNum, ok := parseCounter(limit)
	if !ok || limitNum <= 0 {
		return types.QuotaState{}, false
	}

	used := math.Round((limitNum - remainingNum) / limitNum * 100)
	return quota.FromUsage(used, resetAt, ""), true
}

func parseCounter(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

// ParseResetAfter reads a relative reset value: either a number of seconds
// ("12", "0.5") or a duration string ("6m0s", "20ms").
func ParseResetAfter(value string, now time.Time) *time.Time {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.ParseFloat(value, 64); err == nil && !math.IsNaN(seconds) && !math.IsInf(seconds, 0) {
		reset := now.Add(time.Duration(seconds * float64(time.Second)))
		return &reset
	}
	if d, err := time.ParseDuration(value); err == nil {
		reset := now.Add(d)
		return &reset
	}
	return nil
}

// ParseResetTimestamp reads an absolute RFC 3339 reset time
func ParseResetTimestamp(value string, _ time.Time) *time.Time {
	reset, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return nil
	}
	return &reset
}
