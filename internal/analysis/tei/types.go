package tei

import (
	"encoding/xml"
	"regexp"
	"strconv"
	"strings"

	"github.com/defscope/definition-extraction-service/internal/analysis"
	"github.com/defscope/definition-extraction-service/internal/domain"
)

// teiDocument maps the subset of a TEI document the pipeline consumes: the
// title and abstract from the header and the body divisions. Element names
// are matched by local name, so the TEI namespace does not need to be
// declared here.
type teiDocument struct {
	XMLName  xml.Name `xml:"TEI"`
	Title    string   `xml:"teiHeader>fileDesc>titleStmt>title"`
	Abstract []teiDiv `xml:"teiHeader>profileDesc>abstract>div"`
	Body     []teiDiv `xml:"text>body>div"`
}

// teiDiv is one <div> with its heading and paragraph contents.
type teiDiv struct {
	Head       teiHead  `xml:"head"`
	Paragraphs []string `xml:"p"`
}

// teiHead carries the heading text plus the optional coords attribute the
// extractor emits when asked for coordinates in the heading.
type teiHead struct {
	Coords string `xml:"coords,attr"`
	Text   string `xml:",chardata"`
}

// ErrorResponse is the error body the extraction service returns. Older
// deployments send a bare description field instead of message.
type ErrorResponse struct {
	Message     string `json:"message"`
	Description string `json:"description"`
}

// parseTEI decodes raw TEI markup into the extraction result. Sections keep
// document order; the abstract from the header is placed first when present.
func parseTEI(raw []byte) (*analysis.ExtractResult, error) {
	var doc teiDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	result := &analysis.ExtractResult{
		Title:    strings.TrimSpace(doc.Title),
		RawTEI:   string(raw),
		Sections: make([]analysis.ExtractedSection, 0, len(doc.Body)+1),
	}

	if text := joinDivs(doc.Abstract); text != "" {
		result.Sections = append(result.Sections, analysis.ExtractedSection{
			Type:    domain.SectionTypeAbstract,
			Heading: "Abstract",
			Page:    1,
			Text:    text,
		})
	}

	// Body divs without coordinates inherit the page of the previous
	// section; the extractor only tags headings it located on the page.
	page := 1
	for _, div := range doc.Body {
		if p, ok := pageFromCoords(div.Head.Coords); ok {
			page = p
		}
		text := joinParagraphs(div.Paragraphs)
		if text == "" {
			continue
		}
		heading := strings.TrimSpace(div.Head.Text)
		result.Sections = append(result.Sections, analysis.ExtractedSection{
			Type:    sectionTypeForHead(heading),
			Heading: heading,
			Page:    page,
			Text:    text,
		})
	}

	return result, nil
}

// headNumbering strips leading section numbering such as "3.", "IV)" or
// "2.1" from a lowercased heading.
var headNumbering = regexp.MustCompile(`^([0-9]+(\.[0-9]+)*|[ivxlc]+)[.)]?\s+`)

// sectionTypeForHead maps a free-form heading to a section type. Headings
// that match nothing known are filed under SectionTypeOther.
func sectionTypeForHead(head string) domain.SectionType {
	h := strings.ToLower(strings.TrimSpace(head))
	h = headNumbering.ReplaceAllString(h, "")

	switch {
	case strings.HasPrefix(h, "abstract"):
		return domain.SectionTypeAbstract
	case strings.Contains(h, "introduction") || strings.HasPrefix(h, "background"):
		return domain.SectionTypeIntroduction
	case strings.Contains(h, "method") || strings.Contains(h, "material") || strings.Contains(h, "procedure"):
		return domain.SectionTypeMethod
	case strings.Contains(h, "result") || strings.Contains(h, "finding"):
		return domain.SectionTypeResult
	case strings.Contains(h, "discussion"):
		return domain.SectionTypeDiscussion
	case strings.Contains(h, "conclusion") || strings.Contains(h, "summary"):
		return domain.SectionTypeConclusion
	default:
		return domain.SectionTypeOther
	}
}

// pageFromCoords extracts the page number from a coords attribute shaped
// like "4,108.62,488.99,194.85,10.80;5,...": one group per box, page first.
func pageFromCoords(coords string) (int, bool) {
	coords = strings.TrimSpace(coords)
	if coords == "" {
		return 0, false
	}
	if i := strings.IndexByte(coords, ';'); i >= 0 {
		coords = coords[:i]
	}
	first, _, _ := strings.Cut(coords, ",")
	page, err := strconv.Atoi(first)
	if err != nil || page < 1 {
		return 0, false
	}
	return page, true
}

// joinDivs flattens the paragraphs of several divs into one text block.
func joinDivs(divs []teiDiv) string {
	parts := make([]string, 0, len(divs))
	for _, div := range divs {
		if text := joinParagraphs(div.Paragraphs); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// joinParagraphs trims and joins paragraphs, dropping empty ones.
func joinParagraphs(paragraphs []string) string {
	parts := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}
