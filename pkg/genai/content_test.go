package genai

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemcall/gemcall/pkg/api"
)

var pngBytes = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x01}

func TestNormalizeContentsShapes(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  []api.Content
	}{
		{
			name:  "bare string",
			input: "hello",
			want:  []api.Content{api.UserContent(api.TextPart("hello"))},
		},
		{
			name:  "single part",
			input: api.TextPart("hi"),
			want:  []api.Content{api.UserContent(api.TextPart("hi"))},
		},
		{
			name:  "part slice collapses into one turn",
			input: []api.Part{api.TextPart("a"), api.TextPart("b")},
			want:  []api.Content{api.UserContent(api.TextPart("a"), api.TextPart("b"))},
		},
		{
			name:  "content passes through",
			input: api.ModelContent(api.TextPart("earlier")),
			want:  []api.Content{api.ModelContent(api.TextPart("earlier"))},
		},
		{
			name: "mixed slice groups loose parts",
			input: []any{
				"first",
				api.ModelContent(api.TextPart("reply")),
				"second",
			},
			want: []api.Content{
				api.UserContent(api.TextPart("first")),
				api.ModelContent(api.TextPart("reply")),
				api.UserContent(api.TextPart("second")),
			},
		},
		{
			name: "content map",
			input: map[string]any{
				"role":  "user",
				"parts": []any{map[string]any{"text": "mapped"}},
			},
			want: []api.Content{api.UserContent(api.TextPart("mapped"))},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeContents(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeContentsRejectsBadInput(t *testing.T) {
	for _, input := range []any{nil, 42, []any{42}, []api.Content{}} {
		_, err := NormalizeContents(input)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "input %v", input)
	}
}

func TestNormalizeContentsDefaultsRole(t *testing.T) {
	got, err := NormalizeContents(api.Content{Parts: []api.Part{api.TextPart("x")}})
	require.NoError(t, err)
	assert.Equal(t, api.RoleUser, got[0].Role)
}

func TestNormalizeContentsDecodesInlineDataMap(t *testing.T) {
	got, err := NormalizeContents(map[string]any{
		"inlineData": map[string]any{
			"data": base64.StdEncoding.EncodeToString(pngBytes),
		},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	blob := got[0].Parts[0].InlineData
	require.NotNil(t, blob)
	assert.Equal(t, pngBytes, blob.Data)
	// MIME type sniffed from the PNG signature.
	assert.Equal(t, "image/png", blob.MIMEType)
}

func TestDetectMediaType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"png", pngBytes, "image/png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"},
		{"gif", []byte("GIF89a"), "image/gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"unknown", []byte("plain text"), "application/octet-stream"},
		{"short", []byte{0x89}, "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectMediaType(tt.data))
		})
	}
}

func TestNormalizeSystemInstruction(t *testing.T) {
	si, err := normalizeSystemInstruction("be terse")
	require.NoError(t, err)
	require.NotNil(t, si)
	assert.Equal(t, "be terse", si.Parts[0].Text)

	si, err = normalizeSystemInstruction("")
	require.NoError(t, err)
	assert.Nil(t, si)

	si, err = normalizeSystemInstruction(nil)
	require.NoError(t, err)
	assert.Nil(t, si)

	_, err = normalizeSystemInstruction(42)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}
