package models

import (
	"time"
)

// Page is a fetched document identified by URL, unique per task.
// Metadata lives in the relational store; the body is kept separately
// in the content store keyed by page ID.
type Page struct {
	ID          string    `json:"page_id"`
	TaskID      string    `json:"task_id"`
	SearchID    string    `json:"search_id,omitempty"`
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	DOI         string    `json:"doi,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	HTTPStatus  int       `json:"http_status,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// PageContent is the stored body of a fetched page
type PageContent struct {
	PageID    string    `json:"page_id" badgerhold:"key"`
	TaskID    string    `json:"task_id"`
	URL       string    `json:"url"`
	HTML      string    `json:"html,omitempty"`
	Markdown  string    `json:"markdown,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Fragment is a text span of a page retained as potentially useful
type Fragment struct {
	ID        string    `json:"fragment_id"`
	TaskID    string    `json:"task_id"`
	PageID    string    `json:"page_id"`
	Text      string    `json:"text"`
	Score     float64   `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ClaimAdoption marks whether a claim is part of the task's accepted output
type ClaimAdoption string

const (
	AdoptionAdopted    ClaimAdoption = "adopted"
	AdoptionNotAdopted ClaimAdoption = "not_adopted"
)

// Claim is an extracted assertion attributed to one or more fragments
type Claim struct {
	ID         string        `json:"claim_id"`
	TaskID     string        `json:"task_id"`
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Adoption   ClaimAdoption `json:"adoption"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// EdgeRelation types the link between two evidence objects
type EdgeRelation string

const (
	RelationSupports       EdgeRelation = "supports"
	RelationRefutes        EdgeRelation = "refutes"
	RelationNeutral        EdgeRelation = "neutral"
	RelationCites          EdgeRelation = "cites"
	RelationEvidenceSource EdgeRelation = "evidence_source"
	RelationOrigin         EdgeRelation = "origin"
)

// ValidEdgeRelation reports whether the relation is one of the known types
func ValidEdgeRelation(r EdgeRelation) bool {
	switch r {
	case RelationSupports, RelationRefutes, RelationNeutral,
		RelationCites, RelationEvidenceSource, RelationOrigin:
		return true
	}
	return false
}

// NodeType names the evidence object classes edges may connect
type NodeType string

const (
	NodeTypeFragment NodeType = "fragment"
	NodeTypeClaim    NodeType = "claim"
	NodeTypePage     NodeType = "page"
)

// ValidNodeType reports whether the node type is known
func ValidNodeType(t NodeType) bool {
	return t == NodeTypeFragment || t == NodeTypeClaim || t == NodeTypePage
}

// Edge is a typed relation between any two of fragment, claim and page.
// Referential integrity is enforced on insert; semantic correctness is
// the action handlers' concern.
type Edge struct {
	ID         string       `json:"edge_id"`
	TaskID     string       `json:"task_id"`
	Relation   EdgeRelation `json:"relation"`
	SourceType NodeType     `json:"source_type"`
	SourceID   string       `json:"source_id"`
	TargetType NodeType     `json:"target_type"`
	TargetID   string       `json:"target_id"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ResourceIndexEntry registers a page under a dedup key (doi or url)
type ResourceIndexEntry struct {
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"` // "doi" or "url"
	Key       string    `json:"key"`
	PageID    string    `json:"page_id"`
	CreatedAt time.Time `json:"created_at"`
}
