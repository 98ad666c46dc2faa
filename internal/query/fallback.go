package query

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/defscope/definition-extraction-service/internal/domain"
)

// stopwords dropped by the local keyword tokenizer. Question words dominate
// here because the input is always a natural-language question.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true,
	"and": true, "or": true, "but": true, "not": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"do": true, "does": true, "did": true, "can": true, "could": true,
	"will": true, "would": true, "should": true, "has": true, "have": true,
	"what": true, "which": true, "who": true, "whom": true, "whose": true,
	"when": true, "where": true, "why": true, "how": true,
	"in": true, "on": true, "at": true, "of": true, "for": true,
	"to": true, "from": true, "with": true, "by": true, "about": true,
	"this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true, "their": true, "there": true,
	"paper": true, "papers": true, "define": true, "defined": true,
	"definition": true, "definitions": true,
}

const minKeywordLength = 3

// localKeywords tokenizes a question into keywords: lowercase, split on
// non-letter runes, drop stopwords and short tokens, dedupe preserving
// order.
func localKeywords(question string) []string {
	fields := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	keywords := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < minKeywordLength || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		keywords = append(keywords, f)
	}
	return keywords
}

// localAnswerLimit caps how many snippets the local composition lists.
const localAnswerLimit = 5

// localAnswer composes a deterministic answer listing the top content
// snippets with their reference IDs. Used when the composition webhook is
// unavailable.
func localAnswer(question string, content []domain.SelectedContent, snippetLength int) string {
	if len(content) == 0 {
		return fmt.Sprintf("No matching content was found for %q in the selected papers.", question)
	}

	limit := localAnswerLimit
	if len(content) < limit {
		limit = len(content)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d relevant passage(s) for %q:\n", len(content), question)
	for _, c := range content[:limit] {
		fmt.Fprintf(&b, "- [%s] %s\n", c.ReferenceID, truncate(c.Text, snippetLength))
	}
	if len(content) > limit {
		fmt.Fprintf(&b, "... and %d more.\n", len(content)-limit)
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncate shortens s to at most n runes, appending an ellipsis when text
// was cut.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
