package cloudmsg

import (
	"fmt"
	"strings"

	"github.com/estvita/openbridge/internal/channel"
)

const (
	templatePrefix  = "template"
	fileLinkPrefix  = "file_link:"
	buttonPrefix    = "button_param:"
	templateDefLang = "en"
)

// Template is a parsed template-message code.
type Template struct {
	Name         string
	Lang         string
	BodyParams   []string
	ButtonParams []string
	FileLinks    []string
}

// IsTemplateCode reports whether text is a template mini-language code.
func IsTemplateCode(text string) bool {
	return strings.HasPrefix(text, templatePrefix+"+")
}

// ParseTemplate parses a `template+<name>+<lang>[+param]...` code. Parameters
// prefixed `file_link:` attach media, `button_param:` fill a button, and
// plain parameters become body substitution variables; `|`-separated
// sub-tokens expand into multiple variables.
func ParseTemplate(code string) (Template, error) {
	parts := strings.Split(strings.TrimSpace(code), "+")
	if parts[0] != templatePrefix {
		return Template{}, fmt.Errorf("template code must start with %q, got %q", templatePrefix, parts[0])
	}
	if len(parts) < 3 {
		return Template{}, fmt.Errorf("template code %q needs at least a name and a language", code)
	}

	tpl := Template{Name: parts[1], Lang: parts[2]}
	if tpl.Name == "" {
		return Template{}, fmt.Errorf("template code %q has an empty name", code)
	}
	if tpl.Lang == "" {
		tpl.Lang = templateDefLang
	}

	for _, param := range parts[3:] {
		switch {
		case strings.HasPrefix(param, fileLinkPrefix):
			link := strings.TrimPrefix(param, fileLinkPrefix)
			if link == "" {
				return Template{}, fmt.Errorf("template code %q has an empty file_link parameter", code)
			}
			tpl.FileLinks = append(tpl.FileLinks, link)
		case strings.HasPrefix(param, buttonPrefix):
			tpl.ButtonParams = append(tpl.ButtonParams, strings.TrimPrefix(param, buttonPrefix))
		default:
			tpl.BodyParams = append(tpl.BodyParams, strings.Split(param, "|")...)
		}
	}
	return tpl, nil
}

// KindForContentType classifies a sniffed content type into an attachment kind.
func KindForContentType(contentType string) channel.AttachmentKind {
	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return channel.AttachmentImage
	case strings.HasPrefix(mime, "video/"):
		return channel.AttachmentVideo
	case strings.HasPrefix(mime, "audio/"):
		return channel.AttachmentAudio
	}
	return channel.AttachmentDocument
}
