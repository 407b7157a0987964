package scraper

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const notAvailable = "N/A"

// blockedMarkers identify permission or frame-block interstitials served instead of the advisory.
var blockedMarkers = []string{
	"permission denied",
	"access denied",
	"refused to connect",
}

// Reference is one row of an advisory's references table.
type Reference struct {
	Source      string   `json:"source"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// OCRFields are present on a record only when the OCR stage ran.
type OCRFields struct {
	RawOCRText *string `json:"rawOcrText"`
	OCRError   string  `json:"ocrError,omitempty"`
}

// AdvisoryRecord is the persisted shape of an official advisory scrape.
type AdvisoryRecord struct {
	Metadata         Metadata    `json:"metadata"`
	Query            string      `json:"query"`
	Title            string      `json:"title"`
	Description      string      `json:"description"`
	Severity         string      `json:"severity"`
	CVSSScore        *string     `json:"cvssScore"`
	CVSSVector       *string     `json:"cvssVector"`
	References       []Reference `json:"references"`
	AffectedSoftware []string    `json:"affectedSoftware"`
	PublishDate      *string     `json:"publishDate"`
	LastModified     *string     `json:"lastModified"`
	Weaknesses       []string    `json:"weaknesses"`
	Remediation      string      `json:"remediation"`
	*OCRFields
}

// Ordered selector fallbacks per advisory field. The first selector with non-empty text wins.
var (
	titleSelectors = []string{
		`[data-testid="page-header"]`,
		`[data-testid="vuln-title"]`,
		`h1`,
		`.vuln-title`,
	}
	descriptionSelectors = []string{
		`[data-testid="vuln-description"]`,
		`.vulnerability-description`,
		`[data-testid="description"]`,
		`.description`,
	}
	severitySelectors = []string{
		`[data-testid="vuln-cvss3-panel-score-na"]`,
		`.severity`,
		`[data-testid="severity"]`,
		`.severity-badge`,
	}
	cvssScoreSelectors = []string{
		`[data-testid="vuln-cvss3-panel-score"]`,
		`.cvss-score`,
		`.impact-score`,
		`[data-testid="impact"]`,
	}
	cvssVectorSelectors = []string{
		`[data-testid="vuln-cvss3-nist-panel-vector"]`,
		`.cvss-vector`,
		`.tooltipCvss3NistMetrics`,
	}
	referenceRowSelectors = []string{
		`[data-testid="vuln-hyperlinks-table"] tbody tr`,
		`table.references tbody tr`,
		`.references tr`,
	}
	affectedSelectors = []string{
		`[data-testid="vuln-software-cpe-list"] li`,
		`.affected-versions li`,
		`[data-testid="versions"] li`,
		`.affected-software li`,
	}
	publishSelectors = []string{
		`[data-testid="vuln-published-on"]`,
		`.publish-date`,
		`[data-testid="published"]`,
	}
	modifiedSelectors = []string{
		`[data-testid="vuln-last-modified-on"]`,
		`.last-modified`,
		`[data-testid="modified"]`,
	}
	weaknessSelectors = []string{
		`[data-testid^="vuln-CWEs-link"]`,
		`.weaknesses li`,
		`.cwe`,
	}
	remediationSelectors = []string{
		`.remediation`,
		`[data-testid="remediation"]`,
	}
)

// extractAdvisory parses the rendered advisory page into a record. Missing fields fall back
// to null, "N/A" or an empty collection.
func extractAdvisory(html, pageURL string) (*AdvisoryRecord, error) {
	rec := &AdvisoryRecord{
		Description:      "Description not found",
		Severity:         notAvailable,
		References:       []Reference{},
		AffectedSoftware: []string{},
		Weaknesses:       []string{},
		Remediation:      notAvailable,
	}
	if strings.TrimSpace(html) == "" {
		return rec, fmt.Errorf("empty document")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return rec, fmt.Errorf("parse html: %w", err)
	}

	rec.Title = firstText(doc, titleSelectors)
	if v := firstText(doc, descriptionSelectors); v != "" {
		rec.Description = v
	} else if v, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok && strings.TrimSpace(v) != "" {
		rec.Description = normalizeSpace(v)
	}
	if v := firstText(doc, severitySelectors); v != "" {
		rec.Severity = v
	}
	rec.CVSSScore = optionalText(doc, cvssScoreSelectors)
	rec.CVSSVector = optionalText(doc, cvssVectorSelectors)
	if rec.Severity == notAvailable && rec.CVSSScore != nil {
		// Score panels read like "9.8 CRITICAL".
		if fields := strings.Fields(*rec.CVSSScore); len(fields) == 2 {
			rec.Severity = strings.ToUpper(fields[1])
		}
	}
	rec.References = extractReferences(doc, pageURL)
	rec.AffectedSoftware = allText(doc, affectedSelectors)
	rec.PublishDate = optionalText(doc, publishSelectors)
	rec.LastModified = optionalText(doc, modifiedSelectors)
	rec.Weaknesses = allText(doc, weaknessSelectors)
	if v := firstText(doc, remediationSelectors); v != "" {
		rec.Remediation = v
	}
	return rec, nil
}

// structuredUsable reports whether DOM extraction produced a real advisory.
func structuredUsable(rec *AdvisoryRecord) bool {
	if rec == nil || strings.TrimSpace(rec.Title) == "" {
		return false
	}
	return !isBlocked(rec.Title)
}

func isBlocked(title string) bool {
	lower := strings.ToLower(title)
	for _, marker := range blockedMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if text := normalizeSpace(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func optionalText(doc *goquery.Document, selectors []string) *string {
	if text := firstText(doc, selectors); text != "" {
		return &text
	}
	return nil
}

// allText returns the texts of every match of the first selector that matches anything.
func allText(doc *goquery.Document, selectors []string) []string {
	for _, sel := range selectors {
		var out []string
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if text := normalizeSpace(s.Text()); text != "" {
				out = append(out, text)
			}
		})
		if len(out) > 0 {
			return out
		}
	}
	return []string{}
}

func extractReferences(doc *goquery.Document, pageURL string) []Reference {
	refs := []Reference{}
	for _, sel := range referenceRowSelectors {
		rows := doc.Find(sel)
		if rows.Length() == 0 {
			continue
		}
		rows.Each(func(_ int, row *goquery.Selection) {
			link := row.Find("a[href]").First()
			href, _ := link.Attr("href")
			source := resolveURL(pageURL, href)
			if source == "" {
				return
			}

			ref := Reference{Source: source, Tags: []string{}}
			cells := row.Find("td")
			if cells.Length() > 1 {
				ref.Description = normalizeSpace(cells.Eq(1).Text())
			}
			if ref.Description == "" {
				ref.Description = normalizeSpace(link.Text())
			}

			badges := row.Find(".badge, [data-testid^='vuln-hyperlinks-resType']")
			if badges.Length() > 0 {
				badges.Each(func(_ int, b *goquery.Selection) {
					if tag := normalizeSpace(b.Text()); tag != "" {
						ref.Tags = append(ref.Tags, tag)
					}
				})
			} else if cells.Length() > 2 {
				for _, tag := range strings.Split(cells.Last().Text(), ",") {
					if tag = normalizeSpace(tag); tag != "" {
						ref.Tags = append(ref.Tags, tag)
					}
				}
			}
			refs = append(refs, ref)
		})
		if len(refs) > 0 {
			break
		}
	}
	return refs
}

// extractLinks returns up to limit distinct absolute hrefs for the first selector that yields any.
func extractLinks(html, pageURL string, selectors []string, limit int) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	for _, sel := range selectors {
		seen := make(map[string]struct{})
		var links []string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href, ok := s.Attr("href")
			if !ok {
				return true
			}
			link := resolveURL(pageURL, href)
			if link == "" {
				return true
			}
			if _, dup := seen[link]; dup {
				return true
			}
			seen[link] = struct{}{}
			links = append(links, link)
			return len(links) < limit
		})
		if len(links) > 0 {
			return links, nil
		}
	}
	return nil, nil
}

// extractRowLinks walks the first limit rows matched by rowSelector and takes each row's first resolvable anchor.
// Rows without one contribute nothing; later rows never stand in for them.
func extractRowLinks(html, pageURL, rowSelector string, limit int) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	seen := make(map[string]struct{})
	var links []string
	rows := doc.Find(rowSelector)
	if rows.Length() > limit {
		rows = rows.Slice(0, limit)
	}
	rows.Each(func(_ int, row *goquery.Selection) {
		href, ok := row.Find("a[href]").First().Attr("href")
		if !ok {
			return
		}
		link := resolveURL(pageURL, href)
		if link == "" {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links, nil
}

// resolveURL makes href absolute against base. Fragments, javascript: and empty links yield "".
func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return ""
	}
	return b.ResolveReference(ref).String()
}
