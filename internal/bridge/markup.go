package bridge

import (
	"regexp"
	"strings"
)

var (
	urlTagRe    = regexp.MustCompile(`(?is)\[url=([^\]]*)\](.*?)\[/url\]`)
	pairedTagRe = regexp.MustCompile(`(?i)\[/?(b|i|u|s|code|quote)\]`)
	breakTagRe  = regexp.MustCompile(`(?i)\[br\s*/?\]`)
	userTagRe   = regexp.MustCompile(`(?is)\[user=[^\]]*\](.*?)\[/user\]`)
	iconTagRe   = regexp.MustCompile(`(?i)\[icon=[^\]]*\]`)
)

// StripMarkup removes CRM chat markup tokens, keeping the readable text.
// Link tags collapse to "label (url)", or just the url when the label
// repeats it.
func StripMarkup(text string) string {
	text = breakTagRe.ReplaceAllString(text, "\n")
	text = urlTagRe.ReplaceAllStringFunc(text, func(tag string) string {
		m := urlTagRe.FindStringSubmatch(tag)
		url, label := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		if label == "" || label == url {
			return url
		}
		return label + " (" + url + ")"
	})
	text = userTagRe.ReplaceAllString(text, "$1")
	text = iconTagRe.ReplaceAllString(text, "")
	text = pairedTagRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
