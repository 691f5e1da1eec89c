package pipeline

import (
	"regexp"
	"strings"
)

var (
	// Speech engines choke on emoji and markup, so generator output keeps
	// only letters (French accents included), digits and plain punctuation.
	disallowedSpeechChars = regexp.MustCompile(`[^a-zA-Z0-9éèêëàâîïôùûçÉÈÊËÀÂÎÏÔÙÛÇ.,;:!?' \n\-+=*/%]`)

	timestampPrefix = regexp.MustCompile(`^\s*\[[\d.]+\s*-\s*[\d.]+\]\s*`)
)

// Sanitize strips every character a speech synthesizer should not see.
// Spacing is preserved.
func Sanitize(text string) string {
	return disallowedSpeechChars.ReplaceAllString(text, "")
}

// StripTimestamps removes "[start - end]" prefixes and joins the non-empty
// lines with single spaces.
func StripTimestamps(transcript string) string {
	var parts []string
	for _, line := range strings.Split(transcript, "\n") {
		line = strings.TrimSpace(timestampPrefix.ReplaceAllString(line, ""))
		if line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}
