// Package format renders the texts pitstop sends to humans and converts its
// Markdown to what each chat transport accepts.
package format

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	codeBlockRe   = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	inlineCodeRe  = regexp.MustCompile("`([^`]+)`")
	boldRe        = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicStarRe  = regexp.MustCompile(`\*([^*]+)\*`)
	italicUnderRe = regexp.MustCompile(`\b_([^_]+)_\b`)
	linkRe        = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	tagRe         = regexp.MustCompile(`</?(?:b|i|u|s|em|strong|code|pre|a)(?:\s[^>]*)?>`)
)

// ToTelegramHTML converts the Markdown subset used in pitstop messages to
// Telegram HTML.
func ToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	// Code is cut out first so nothing inside it gets formatted.
	var code []string
	hold := func(html string) string {
		code = append(code, html)
		return fmt.Sprintf("\x00%d\x00", len(code)-1)
	}
	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		return hold("<pre><code>" + EscapeHTML(codeBlockRe.FindStringSubmatch(m)[1]) + "</code></pre>")
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		return hold("<code>" + EscapeHTML(inlineCodeRe.FindStringSubmatch(m)[1]) + "</code>")
	})

	text = EscapeHTML(text)
	text = boldRe.ReplaceAllString(text, "<b>$1</b>")
	text = italicStarRe.ReplaceAllString(text, "<i>$1</i>")
	// Underscores need word boundaries so snake_case survives.
	text = italicUnderRe.ReplaceAllString(text, "<i>$1</i>")
	text = linkRe.ReplaceAllString(text, `<a href="$2">$1</a>`)

	for i, html := range code {
		text = strings.Replace(text, fmt.Sprintf("\x00%d\x00", i), html, 1)
	}
	return text
}

// ToDiscordMarkdown keeps Markdown as is and strips stray formatting tags.
// Other angle brackets, like usage placeholders, are left alone.
func ToDiscordMarkdown(text string) string {
	return tagRe.ReplaceAllString(text, "")
}

// EscapeHTML escapes HTML special characters
func EscapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}
