package analyzer

import "strings"

// Summary is a shortened rendering of a message with a confidence score
// that decreases with truncation aggressiveness.
type Summary struct {
	Text       string
	Confidence float64
	Keywords   []string
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "this": true,
	"that": true, "have": true, "from": true, "your": true, "will": true,
	"would": true, "could": true, "should": true, "about": true,
	"what": true, "when": true, "where": true, "there": true, "their": true,
	"been": true, "they": true, "them": true, "then": true, "than": true,
	"just": true, "like": true, "some": true, "very": true, "into": true,
	"over": true, "here": true, "also": true, "only": true, "please": true,
}

const maxKeywords = 5

// ExtractKeywords returns up to five unique lowercase tokens, excluding
// stopwords and tokens of three characters or fewer, in order of first
// appearance.
func ExtractKeywords(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range tokenize(text) {
		if len(tok) <= 3 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// Summarize shortens text to at most maxLen runes. Text that already fits is
// returned unchanged with confidence 1.0. Otherwise truncation at the first
// sentence boundary is preferred (0.9); failing that the text is cut hard
// with an ellipsis (0.7).
func Summarize(text string, maxLen int) Summary {
	keywords := ExtractKeywords(text)
	runes := []rune(text)
	if len(runes) <= maxLen {
		return Summary{Text: text, Confidence: 1.0, Keywords: keywords}
	}

	if end, ok := firstSentenceEnd(runes, maxLen); ok {
		return Summary{
			Text:       strings.TrimSpace(string(runes[:end])),
			Confidence: 0.9,
			Keywords:   keywords,
		}
	}

	cut := maxLen - 1
	if cut < 0 {
		cut = 0
	}
	return Summary{
		Text:       strings.TrimSpace(string(runes[:cut])) + "…",
		Confidence: 0.7,
		Keywords:   keywords,
	}
}

// firstSentenceEnd returns the index just past the first sentence terminator
// within limit, if one exists.
func firstSentenceEnd(runes []rune, limit int) (int, bool) {
	for i := 0; i < len(runes) && i < limit; i++ {
		switch runes[i] {
		case '.', '!', '?':
			return i + 1, true
		}
	}
	return 0, false
}
