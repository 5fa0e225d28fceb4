package index

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSplitter_Defaults(t *testing.T) {
	s := NewSplitter(0, -1)
	assert.Equal(t, DefaultChunkSize, s.Size)
	assert.Equal(t, DefaultChunkOverlap, s.Overlap)

	s = NewSplitter(100, 150)
	assert.Equal(t, 20, s.Overlap)
}

func TestSplitter_ShortTextIsOneChunk(t *testing.T) {
	chunks := NewSplitter(1000, 200).Split("  A short abstract.  ")
	assert.Equal(t, []string{"A short abstract."}, chunks)
}

func TestSplitter_RespectsSizeAndOverlap(t *testing.T) {
	words := make([]string, 600)
	for i := range words {
		words[i] = "word" + strings.Repeat("x", i%5)
	}
	text := strings.Join(words, " ")

	s := NewSplitter(1000, 200)
	chunks := s.Split(text)
	require.Greater(t, len(chunks), 2)

	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 1000)
	}
	// Adjacent chunks share their boundary words.
	for i := 1; i < len(chunks); i++ {
		prevTail := chunks[i-1][len(chunks[i-1])-40:]
		lastWord := prevTail[strings.LastIndex(prevTail, " ")+1:]
		head := chunks[i][:min(250, len(chunks[i]))]
		assert.Contains(t, head, lastWord)
	}
}

func TestSplitter_PrefersParagraphs(t *testing.T) {
	p1 := strings.Repeat("alpha ", 100)
	p2 := strings.Repeat("beta ", 100)
	chunks := NewSplitter(1200, 0).Split(p1 + "\n\n" + p2)

	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0], "\n\n")

	chunks = NewSplitter(650, 0).Split(p1 + "\n\n" + p2)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[0], "alpha"))
	assert.True(t, strings.HasPrefix(chunks[1], "beta"))
}

func TestSplitter_SplitsLongWords(t *testing.T) {
	chunks := NewSplitter(10, 2).Split(strings.Repeat("é", 25))
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 10)
	}
}
