package stream_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/resume-fit-pipeline/internal/stream"
)

func TestLineBuffer_SingleFragment(t *testing.T) {
	t.Parallel()
	var lb stream.LineBuffer
	lines := lb.Write([]byte("data: hello\n"))
	require.Equal(t, []string{"data: hello"}, lines)
	assert.Empty(t, lb.Carry())
}

func TestLineBuffer_FragmentationInvariance(t *testing.T) {
	t.Parallel()
	// Splitting one line at every possible byte offset must always
	// reconstruct the original line, including splits inside a multibyte
	// rune.
	line := `data: {"event":"progress","data":{"stage":"résumé","progress":10}}`
	input := line + "\n"
	for i := 1; i < len(input); i++ {
		var lb stream.LineBuffer
		var lines []string
		lines = append(lines, lb.Write([]byte(input[:i]))...)
		lines = append(lines, lb.Write([]byte(input[i:]))...)
		require.Equal(t, []string{line}, lines, "split at offset %d", i)
		require.Empty(t, lb.Carry())
	}
}

func TestLineBuffer_ManyFragments(t *testing.T) {
	t.Parallel()
	input := "first line\nsecond line\nthird line\n"
	var lb stream.LineBuffer
	var lines []string
	// One byte at a time is the worst case.
	for i := 0; i < len(input); i++ {
		lines = append(lines, lb.Write([]byte{input[i]})...)
	}
	require.Equal(t, []string{"first line", "second line", "third line"}, lines)
	assert.Empty(t, lb.Carry())
}

func TestLineBuffer_ByteConservation(t *testing.T) {
	t.Parallel()
	fragments := []string{"ab", "c\nde", "", "f\ngh", "i"}
	var lb stream.LineBuffer
	var yielded []string
	for _, f := range fragments {
		yielded = append(yielded, lb.Write([]byte(f))...)
	}
	// Concatenation of all fragments equals yielded lines (plus their
	// newlines) plus the final carry.
	rebuilt := ""
	for _, l := range yielded {
		rebuilt += l + "\n"
	}
	rebuilt += lb.Carry()
	assert.Equal(t, strings.Join(fragments, ""), rebuilt)
	assert.Equal(t, "ghi", lb.Carry())
}

func TestLineBuffer_MultipleLinesInOneFragment(t *testing.T) {
	t.Parallel()
	var lb stream.LineBuffer
	lines := lb.Write([]byte("a\nb\nc\npartial"))
	require.Equal(t, []string{"a", "b", "c"}, lines)
	assert.Equal(t, "partial", lb.Carry())
}

func TestLineBuffer_CRLF(t *testing.T) {
	t.Parallel()
	var lb stream.LineBuffer
	lines := lb.Write([]byte("data: one\r\ndata: two\r\n"))
	require.Equal(t, []string{"data: one", "data: two"}, lines)
}

func TestLineBuffer_Reset(t *testing.T) {
	t.Parallel()
	var lb stream.LineBuffer
	lb.Write([]byte("dangling"))
	require.Equal(t, "dangling", lb.Carry())
	lb.Reset()
	assert.Empty(t, lb.Carry())
	lines := lb.Write([]byte("fresh\n"))
	assert.Equal(t, []string{"fresh"}, lines)
}

func TestLineBuffer_EmptyAndBlankLines(t *testing.T) {
	t.Parallel()
	var lb stream.LineBuffer
	assert.Nil(t, lb.Write(nil))
	lines := lb.Write([]byte("\n\n"))
	require.Equal(t, []string{"", ""}, lines)
}
