// Package analyzer derives lightweight content signals from message text:
// sentiment, urgency, summaries, keywords, content hints and a language
// guess. Everything here is a deterministic heuristic over curated word
// lists and regexes; no I/O, no state.
package analyzer

import (
	"strings"
	"unicode"
)

// Sentiment is the overall tone classification of a message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

var positiveWords = map[string]bool{
	"great": true, "good": true, "awesome": true, "excellent": true,
	"perfect": true, "love": true, "happy": true, "nice": true,
	"amazing": true, "wonderful": true, "thanks": true, "thank": true,
	"appreciate": true, "deal": true, "agreed": true, "fantastic": true,
	"brilliant": true, "pleased": true,
}

var negativeWords = map[string]bool{
	"terrible": true, "broken": true, "bad": true, "awful": true,
	"horrible": true, "hate": true, "angry": true, "problem": true,
	"issue": true, "wrong": true, "scam": true, "refund": true,
	"disappointed": true, "worst": true, "useless": true, "cancel": true,
	"damaged": true, "late": true,
}

var urgentWords = map[string]bool{
	"asap": true, "urgent": true, "emergency": true, "immediately": true,
	"hurry": true, "deadline": true, "critical": true, "now": true,
}

var positiveEmoji = []string{"😊", "👍", "❤️", "🎉", "😍", "🙏", "✨"}
var negativeEmoji = []string{"😠", "👎", "😡", "😞", "💔", "😢"}
var urgentEmoji = []string{"🚨", "⚠️", "⏰"}

// tokenize lowercases text and splits it into alphanumeric word tokens.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsAny(text string, set []string) bool {
	for _, s := range set {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

func hasUrgencyKeyword(text string) bool {
	for _, tok := range tokenize(text) {
		if urgentWords[tok] {
			return true
		}
	}
	return containsAny(text, urgentEmoji)
}

// AnalyzeSentiment classifies text by weighted keyword counting. Urgency keywords
// force neutral: urgency is reported separately, not conflated with
// negativity. Ties and the absence of matches resolve to neutral.
func AnalyzeSentiment(text string) Sentiment {
	if hasUrgencyKeyword(text) {
		return SentimentNeutral
	}

	score := 0
	for _, tok := range tokenize(text) {
		if positiveWords[tok] {
			score++
		}
		if negativeWords[tok] {
			score--
		}
	}
	for _, e := range positiveEmoji {
		score += strings.Count(text, e)
	}
	for _, e := range negativeEmoji {
		score -= strings.Count(text, e)
	}

	switch {
	case score > 0:
		return SentimentPositive
	case score < 0:
		return SentimentNegative
	}
	return SentimentNeutral
}

// IsUrgent reports whether text carries an urgency keyword or emoji, or
// contains two or more exclamation marks.
func IsUrgent(text string) bool {
	if hasUrgencyKeyword(text) {
		return true
	}
	return strings.Count(text, "!") >= 2
}

// DetectLanguage returns "ar" when text contains characters from the Arabic
// Unicode block, "unknown" for blank input, and "en" otherwise.
func DetectLanguage(text string) string {
	if strings.TrimSpace(text) == "" {
		return "unknown"
	}
	for _, r := range text {
		if unicode.Is(unicode.Arabic, r) {
			return "ar"
		}
	}
	return "en"
}
