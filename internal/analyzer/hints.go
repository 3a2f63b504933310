package analyzer

import "regexp"

// ContentHints flags structured content detected in free text. The flags
// are independent; one message can carry several.
type ContentHints struct {
	HasLink     bool
	HasEmail    bool
	HasPhone    bool
	HasLocation bool
	HasDate     bool
	HasTime     bool
	HasMention  bool
	HasHashtag  bool
}

var (
	linkRe     = regexp.MustCompile(`(?i)\bhttps?://\S+|\bwww\.\S+`)
	emailRe    = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe    = regexp.MustCompile(`\+?\d[\d\s\-()]{7,}\d`)
	locationRe = regexp.MustCompile(`(?i)\b(near|located|address|location|meet at|corner of)\b|\bgeo:`)
	dateRe     = regexp.MustCompile(`(?i)\b\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4}\b|\b(january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2}\b|\b(today|tomorrow|yesterday)\b`)
	timeRe     = regexp.MustCompile(`(?i)\b\d{1,2}:\d{2}(\s?(am|pm))?\b`)
	mentionRe  = regexp.MustCompile(`(^|\s)@\w+`)
	hashtagRe  = regexp.MustCompile(`(^|\s)#\w+`)
)

// DetectContentHints classifies text against the hint regexes.
func DetectContentHints(text string) ContentHints {
	return ContentHints{
		HasLink:     linkRe.MatchString(text),
		HasEmail:    emailRe.MatchString(text),
		HasPhone:    phoneRe.MatchString(text),
		HasLocation: locationRe.MatchString(text),
		HasDate:     dateRe.MatchString(text),
		HasTime:     timeRe.MatchString(text),
		HasMention:  mentionRe.MatchString(text),
		HasHashtag:  hashtagRe.MatchString(text),
	}
}

// ExtractLinks returns every link occurrence in order of appearance.
func ExtractLinks(text string) []string {
	return linkRe.FindAllString(text, -1)
}

// ExtractMentions returns mentioned handles without the leading '@'.
func ExtractMentions(text string) []string {
	matches := mentionRe.FindAllString(text, -1)
	var out []string
	for _, m := range matches {
		trimmed := m
		for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '@') {
			trimmed = trimmed[1:]
		}
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
