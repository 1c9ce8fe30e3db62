package models

import (
	"strings"
	"time"
)

// forbiddenPatterns are domain-block patterns too broad to ever accept.
// Blocking one of these would wipe out entire TLDs or the whole web.
var forbiddenPatterns = map[string]bool{
	"*":       true,
	"**":      true,
	"*.com":   true,
	"*.co.jp": true,
	"*.org":   true,
	"*.net":   true,
	"*.gov":   true,
	"*.edu":   true,
}

// ForbiddenPatterns returns the rejected pattern set in stable order
func ForbiddenPatterns() []string {
	return []string{"*", "**", "*.com", "*.co.jp", "*.org", "*.net", "*.gov", "*.edu"}
}

// IsForbiddenPattern reports whether a trimmed pattern is in the
// forbidden set
func IsForbiddenPattern(pattern string) bool {
	return forbiddenPatterns[strings.TrimSpace(pattern)]
}

// DomainRuleType names what a rule does; block is the only type today
type DomainRuleType string

const (
	RuleTypeBlock DomainRuleType = "block"
)

// Rule sources separate user-issued blocks from startup seed files.
// Seeds never overwrite a user rule.
const (
	RuleSourceUser = "user"
	RuleSourceSeed = "seed"
)

// DomainRule is a persisted per-domain override. Pattern is either a bare
// domain ("example.com") or a scoped glob ("*.example.com").
type DomainRule struct {
	ID        int64          `json:"id"`
	Pattern   string         `json:"pattern"`
	RuleType  DomainRuleType `json:"rule_type"`
	Source    string         `json:"source"` // "user" or "seed"
	Reason    string         `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Matches reports whether the rule applies to a hostname.
// "example.com" matches exactly; "*.example.com" matches the apex and
// every subdomain.
func (r *DomainRule) Matches(host string) bool {
	return DomainPatternMatches(r.Pattern, host)
}

// DomainPatternMatches implements the scoped-glob matching used by rules
func DomainPatternMatches(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(strings.TrimSpace(host))
	if pattern == "" || host == "" {
		return false
	}

	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}

// CorrectionSample is one appended training record from an edge correction.
// Re-applying the same label still records a sample; ground-truth
// collection is the point.
type CorrectionSample struct {
	ID          int64        `json:"id"`
	TaskID      string       `json:"task_id"`
	EdgeID      string       `json:"edge_id"`
	OldRelation EdgeRelation `json:"old_relation"`
	NewRelation EdgeRelation `json:"new_relation"`
	CreatedAt   time.Time    `json:"created_at"`
}
