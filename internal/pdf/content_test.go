package pdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentStreamText(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   string
	}{
		{
			name:   "simple Tj",
			stream: "BT /F1 12 Tf 72 712 Td (Hello World) Tj ET",
			want:   "Hello World",
		},
		{
			name:   "lines from Td",
			stream: "BT 72 712 Td (First line) Tj 0 -14 Td (Second line) Tj ET",
			want:   "First line\nSecond line",
		},
		{
			name:   "TJ with kerning and word gap",
			stream: "BT [(Ker) 20 (ning) -300 (works)] TJ ET",
			want:   "Kerning works",
		},
		{
			name:   "escapes and nested parens",
			stream: `BT (a \(b\) \101 \\ (c)) Tj ET`,
			want:   `a (b) A \ (c)`,
		},
		{
			name:   "hex string",
			stream: "BT <48656c6c6f> Tj ET",
			want:   "Hello",
		},
		{
			name:   "utf16 hex string",
			stream: "BT <00540061007500e9> Tj ET",
			want:   "Taué",
		},
		{
			name:   "quote operator starts a new line",
			stream: "BT (one) Tj (two) ' ET",
			want:   "one\ntwo",
		},
		{
			name:   "graphics and dictionaries are ignored",
			stream: "q 1 0 0 1 0 0 cm /GS1 gs << /MCID 0 >> BDC 0 0 m 10 10 l S EMC Q BT (text) Tj ET % comment (hidden) Tj",
			want:   "text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContentStreamText(tt.stream))
		})
	}
}

func TestNormalizeText(t *testing.T) {
	in := "  Intro\u00adduction\x07 with   spaces\t\n\n\n\n  next   paragraph  \n"
	assert.Equal(t, "Introduction with spaces\nnext paragraph", NormalizeText(in))
}
