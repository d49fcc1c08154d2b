package cloudmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estvita/openbridge/internal/channel"
)

func TestParseTemplate(t *testing.T) {
	tpl, err := ParseTemplate("template+promo+en_US+Hello|World+button_param:Shop")
	require.NoError(t, err)
	assert.Equal(t, "promo", tpl.Name)
	assert.Equal(t, "en_US", tpl.Lang)
	assert.Equal(t, []string{"Hello", "World"}, tpl.BodyParams)
	assert.Equal(t, []string{"Shop"}, tpl.ButtonParams)
	assert.Empty(t, tpl.FileLinks)
}

func TestParseTemplateFileLink(t *testing.T) {
	tpl, err := ParseTemplate("template+receipt+de+file_link:https://files.example.com/inv.pdf+42")
	require.NoError(t, err)
	assert.Equal(t, "receipt", tpl.Name)
	assert.Equal(t, []string{"https://files.example.com/inv.pdf"}, tpl.FileLinks)
	assert.Equal(t, []string{"42"}, tpl.BodyParams)
}

func TestParseTemplateTooShort(t *testing.T) {
	_, err := ParseTemplate("template+promo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name and a language")
}

func TestParseTemplateBadPrefix(t *testing.T) {
	_, err := ParseTemplate("broadcast+promo+en")
	require.Error(t, err)
}

func TestParseTemplateEmptyFileLink(t *testing.T) {
	_, err := ParseTemplate("template+promo+en+file_link:")
	require.Error(t, err)
}

func TestParseTemplateDefaultLang(t *testing.T) {
	tpl, err := ParseTemplate("template+promo++Hi")
	require.NoError(t, err)
	assert.Equal(t, templateDefLang, tpl.Lang)
	assert.Equal(t, []string{"Hi"}, tpl.BodyParams)
}

func TestIsTemplateCode(t *testing.T) {
	assert.True(t, IsTemplateCode("template+promo+en"))
	assert.False(t, IsTemplateCode("plain text about template+stuff"))
}

func TestKindForContentType(t *testing.T) {
	assert.Equal(t, channel.AttachmentImage, KindForContentType("image/png"))
	assert.Equal(t, channel.AttachmentVideo, KindForContentType("video/mp4; codecs=avc1"))
	assert.Equal(t, channel.AttachmentAudio, KindForContentType("audio/ogg"))
	assert.Equal(t, channel.AttachmentDocument, KindForContentType("application/pdf"))
	assert.Equal(t, channel.AttachmentDocument, KindForContentType(""))
}
