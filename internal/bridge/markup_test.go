package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripMarkup(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello there", "hello there"},
		{"bold", "[b]attention[/b] please", "attention please"},
		{"break", "line one[br]line two", "line one\nline two"},
		{"url with label", "[url=https://x.example]our shop[/url]", "our shop (https://x.example)"},
		{"url label repeats", "[url=https://x.example]https://x.example[/url]", "https://x.example"},
		{"user tag", "[user=42]Ada[/user] replied", "Ada replied"},
		{"icon dropped", "[icon=warning]check this", "check this"},
		{"nested", "[b][i]both[/i][/b]", "both"},
		{"trims", "  [b]x[/b]  ", "x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripMarkup(tc.in))
		})
	}
}
