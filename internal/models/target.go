package models

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// TargetKind discriminates the target descriptor union
type TargetKind string

const (
	TargetKindQuery TargetKind = "query"
	TargetKindURL   TargetKind = "url"
	TargetKindDOI   TargetKind = "doi"
)

// URLReason explains why a URL target was queued
type URLReason string

const (
	URLReasonCitationChase URLReason = "citation_chase"
	URLReasonManual        URLReason = "manual"
)

// doiPattern matches registrant-prefixed DOIs, e.g. 10.1234/abc.5
var doiPattern = regexp.MustCompile(`^10\.\d{4,}/\S+$`)

// Target is the tagged-union work descriptor nested inside job input.
// Exactly one of Query / URL / DOI is populated, selected by Kind.
type Target struct {
	Kind    TargetKind             `json:"kind"`
	Query   string                 `json:"query,omitempty"`
	URL     string                 `json:"url,omitempty"`
	DOI     string                 `json:"doi,omitempty"`
	Depth   int                    `json:"depth,omitempty"`
	Reason  URLReason              `json:"reason,omitempty"`
	Context string                 `json:"context,omitempty"`
	Policy  string                 `json:"policy,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// Validate checks the per-kind descriptor rules
func (t *Target) Validate() error {
	switch t.Kind {
	case TargetKindQuery:
		if strings.TrimSpace(t.Query) == "" {
			return InvalidParams("target of kind %q requires a non-empty query", t.Kind)
		}
	case TargetKindURL:
		raw := strings.TrimSpace(t.URL)
		if raw == "" {
			return InvalidParams("target of kind %q requires a non-empty url", t.Kind)
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return InvalidParams("invalid url %q: must be absolute with scheme and host", t.URL)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return InvalidParams("invalid url scheme %q: only http and https are supported", parsed.Scheme)
		}
		if t.Depth < 0 {
			return InvalidParams("url target depth must be >= 0, got %d", t.Depth)
		}
		if t.Reason != "" && t.Reason != URLReasonCitationChase && t.Reason != URLReasonManual {
			return InvalidParams("invalid url reason %q: must be citation_chase or manual", t.Reason)
		}
	case TargetKindDOI:
		doi := NormalizeDOI(t.DOI)
		if doi == "" {
			return InvalidParams("target of kind %q requires a non-empty doi", t.Kind)
		}
		if !doiPattern.MatchString(doi) {
			return InvalidParams("invalid doi %q: must match 10.NNNN/suffix", t.DOI)
		}
	default:
		return InvalidParams("unknown target kind %q: must be query, url or doi", t.Kind)
	}
	return nil
}

// NormalizedField returns the dedup field for this target: the collapsed
// query text, the normalized URL, or the lowercased DOI.
func (t *Target) NormalizedField() string {
	switch t.Kind {
	case TargetKindQuery:
		return NormalizeQuery(t.Query)
	case TargetKindURL:
		return NormalizeURL(t.URL)
	case TargetKindDOI:
		return NormalizeDOI(t.DOI)
	default:
		return ""
	}
}

// DedupKey combines task, kind and normalized field. Two targets with the
// same key may not coexist as queued-or-running jobs.
func (t *Target) DedupKey(taskID string) string {
	return fmt.Sprintf("%s|%s|%s", taskID, t.Kind, t.NormalizedField())
}

// Describe returns a short human-readable label for logs
func (t *Target) Describe() string {
	switch t.Kind {
	case TargetKindQuery:
		return fmt.Sprintf("query:%s", t.Query)
	case TargetKindURL:
		return fmt.Sprintf("url:%s", t.URL)
	case TargetKindDOI:
		return fmt.Sprintf("doi:%s", t.DOI)
	default:
		return string(t.Kind)
	}
}

// NormalizeQuery trims and collapses internal whitespace
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

// NormalizeURL lowercases scheme and host, strips fragments and default
// ports, and drops a single trailing slash. Query strings are preserved.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)
	if scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	} else if scheme == "https" {
		host = strings.TrimSuffix(host, ":443")
	}

	path := parsed.EscapedPath()
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	normalized := scheme + "://" + host + path
	if parsed.RawQuery != "" {
		normalized += "?" + parsed.RawQuery
	}
	return normalized
}

// NormalizeDOI lowercases and strips resolver prefixes ("doi:", doi.org URLs)
func NormalizeDOI(raw string) string {
	doi := strings.ToLower(strings.TrimSpace(raw))
	doi = strings.TrimPrefix(doi, "doi:")
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/"} {
		doi = strings.TrimPrefix(doi, prefix)
	}
	return doi
}

// ExtractDOIFromURL pulls a DOI out of a doi.org / dx.doi.org URL.
// Returns the DOI and true on success.
func ExtractDOIFromURL(raw string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	host := strings.ToLower(parsed.Hostname())
	if host != "doi.org" && host != "dx.doi.org" && host != "www.doi.org" {
		return "", false
	}
	doi := NormalizeDOI(strings.TrimPrefix(parsed.Path, "/"))
	if !doiPattern.MatchString(doi) {
		return "", false
	}
	return doi, true
}

// ValidDOI reports whether a normalized DOI matches the registrant pattern
func ValidDOI(doi string) bool {
	return doiPattern.MatchString(NormalizeDOI(doi))
}
