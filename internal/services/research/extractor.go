package research

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/models"
)

const (
	minFragmentChars = 80
	maxFragments     = 12
	minFragmentScore = 0.2
)

// ScoredFragment is a candidate text span with its relevance score
type ScoredFragment struct {
	Text  string
	Score float64
}

// ExtractedPage is everything the extractor pulls from one document
type ExtractedPage struct {
	Title     string
	Markdown  string
	Fragments []ScoredFragment
	Links     []string
	DOIs      []string
}

// Extractor turns fetched HTML into title, markdown, scored fragments and
// harvested references
type Extractor struct {
	logger arbor.ILogger
}

func NewExtractor(logger arbor.ILogger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract parses the document. queryText, when present, drives fragment
// scoring by term overlap; without it fragments score on length alone.
func (e *Extractor) Extract(html, sourceURL, queryText string) (*ExtractedPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	title := extractTitle(doc)
	dois := extractDOIs(doc)

	// Boilerplate goes before fragment and markdown extraction
	doc.Find("script, style, nav, footer, aside").Remove()

	fragments := e.extractFragments(doc, queryText)
	links := extractLinks(doc, sourceURL)

	cleaned, err := doc.Html()
	if err != nil {
		cleaned = html
	}
	markdown, err := convertMarkdown(cleaned, sourceURL)
	if err != nil {
		e.logger.Warn().Err(err).Str("url", sourceURL).Msg("Markdown conversion failed")
		markdown = ""
	}

	e.logger.Debug().
		Str("url", sourceURL).
		Str("title", title).
		Int("fragments", len(fragments)).
		Int("links", len(links)).
		Int("dois", len(dois)).
		Msg("Page content extracted")

	return &ExtractedPage{
		Title:     title,
		Markdown:  markdown,
		Fragments: fragments,
		Links:     links,
		DOIs:      dois,
	}, nil
}

func extractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if ogTitle, ok := doc.Find("meta[property='og:title']").Attr("content"); ok && strings.TrimSpace(ogTitle) != "" {
		return strings.TrimSpace(ogTitle)
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return "Untitled"
}

func convertMarkdown(html, sourceURL string) (string, error) {
	domain := sourceURL
	if parsed, err := url.Parse(sourceURL); err == nil && parsed.Host != "" {
		domain = parsed.Scheme + "://" + parsed.Host
	}

	converter := md.NewConverter(domain, true, nil)
	return converter.ConvertString(html)
}

// extractFragments collects paragraph-level spans, scores them and keeps
// the best up to the fragment cap
func (e *Extractor) extractFragments(doc *goquery.Document, queryText string) []ScoredFragment {
	queryTerms := termSet(queryText)
	seen := make(map[string]bool)
	var fragments []ScoredFragment

	doc.Find("p, li, blockquote").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if len(text) < minFragmentChars || seen[text] {
			return
		}
		seen[text] = true

		score := scoreFragment(text, queryTerms)
		if score < minFragmentScore {
			return
		}
		fragments = append(fragments, ScoredFragment{Text: text, Score: score})
	})

	// Highest score first, stable so document order breaks ties
	sort.SliceStable(fragments, func(i, j int) bool {
		return fragments[i].Score > fragments[j].Score
	})
	if len(fragments) > maxFragments {
		fragments = fragments[:maxFragments]
	}
	return fragments
}

// scoreFragment rates a span in [0,1]: the covered share of query terms, or
// a length-based score when there is no query to compare against
func scoreFragment(text string, queryTerms map[string]bool) float64 {
	if len(queryTerms) == 0 {
		score := float64(len(text)) / 600.0
		if score > 1 {
			score = 1
		}
		return score
	}

	textTerms := termSet(text)
	matched := 0
	for term := range queryTerms {
		if textTerms[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

// termSet lowercases and splits into distinct terms, dropping one- and
// two-letter words
func termSet(text string) map[string]bool {
	terms := make(map[string]bool)
	for _, field := range strings.Fields(strings.ToLower(text)) {
		term := strings.Trim(field, ".,;:!?()[]{}\"'")
		if len(term) > 2 {
			terms[term] = true
		}
	}
	return terms
}

func extractLinks(doc *goquery.Document, sourceURL string) []string {
	baseURL, err := url.Parse(sourceURL)
	if err != nil {
		baseURL = nil
	}

	seen := make(map[string]bool)
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		if strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "#") {
			return
		}
		if baseURL != nil {
			if resolved, err := baseURL.Parse(href); err == nil {
				href = resolved.String()
			}
		}
		if !seen[href] {
			seen[href] = true
			links = append(links, href)
		}
	})
	return links
}

// extractDOIs harvests citation DOIs from scholarly meta tags and doi.org
// links. Runs before boilerplate removal so reference sections survive.
func extractDOIs(doc *goquery.Document) []string {
	seen := make(map[string]bool)
	var dois []string

	add := func(raw string) {
		doi := models.NormalizeDOI(raw)
		if doi == "" || !models.ValidDOI(doi) || seen[doi] {
			return
		}
		seen[doi] = true
		dois = append(dois, doi)
	}

	doc.Find("meta[name='citation_doi'], meta[name='dc.identifier']").Each(func(_ int, s *goquery.Selection) {
		if content, ok := s.Attr("content"); ok {
			add(content)
		}
	})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			if doi, ok := models.ExtractDOIFromURL(href); ok {
				add(doi)
			}
		}
	})

	return dois
}
