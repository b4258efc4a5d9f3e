package editor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferApplyEditsReverseOrder(t *testing.T) {
	b := NewBuffer("hello world")
	require.NoError(t, b.ApplyEdits(OriginLocal, []Edit{
		{Start: 6, End: 11, Text: "there"},
		{Start: 0, End: 5, Text: "why"},
	}))
	assert.Equal(t, "why there", b.Text())
}

func TestBufferApplyEditsRejectsForwardOrder(t *testing.T) {
	b := NewBuffer("hello world")
	err := b.ApplyEdits(OriginLocal, []Edit{
		{Start: 0, End: 5, Text: "why"},
		{Start: 6, End: 11, Text: "there"},
	})
	assert.ErrorIs(t, err, ErrEditsOutOfOrder)
	assert.Equal(t, "hello world", b.Text())
}

func TestBufferApplyEditsBounds(t *testing.T) {
	b := NewBuffer("abc")
	assert.ErrorIs(t, b.Replace(OriginLocal, Edit{Start: 2, End: 9}), ErrRangeInvalid)
	assert.ErrorIs(t, b.Replace(OriginLocal, Edit{Start: -1, End: 1}), ErrRangeInvalid)
	assert.ErrorIs(t, b.Replace(OriginLocal, Edit{Start: 2, End: 1}), ErrRangeInvalid)
}

func TestBufferRuneOffsets(t *testing.T) {
	b := NewBuffer("héllo")
	require.NoError(t, b.Replace(OriginLocal, Edit{Start: 1, End: 2, Text: "e"}))
	assert.Equal(t, "hello", b.Text())
	assert.Equal(t, 5, b.Len())
}

func TestBufferReadOnly(t *testing.T) {
	b := NewBuffer("abc")
	b.SetReadOnly(true)
	assert.ErrorIs(t, b.Replace(OriginLocal, Edit{Start: 0, End: 0, Text: "x"}), ErrReadOnly)
	// A binding applying a remote delta still goes through.
	require.NoError(t, b.Replace(OriginBinding, Edit{Start: 0, End: 0, Text: "x"}))
	assert.Equal(t, "xabc", b.Text())
}

func TestBufferChangeListener(t *testing.T) {
	b := NewBuffer("")
	var got []Change
	l := b.OnChange(func(c Change) { got = append(got, c) })
	require.NoError(t, b.Replace(OriginLocal, Edit{Start: 0, End: 0, Text: "a"}))
	require.Len(t, got, 1)
	assert.Equal(t, OriginLocal, got[0].Origin)

	l.Cancel()
	l.Cancel() // repeat is safe
	require.NoError(t, b.Replace(OriginLocal, Edit{Start: 0, End: 0, Text: "b"}))
	assert.Len(t, got, 1)
}

func TestBufferClaim(t *testing.T) {
	b := NewBuffer("")
	require.NoError(t, b.Claim())
	assert.ErrorIs(t, b.Claim(), ErrAlreadyClaimed)
	b.Release()
	assert.NoError(t, b.Claim())
}

func TestViewSelectionClamped(t *testing.T) {
	v := NewView(NewBuffer("abc"))
	v.SetSelection(Selection{Anchor: -4, Head: 50})
	assert.Equal(t, Selection{Anchor: 0, Head: 3}, v.Selection())
}

func TestViewDecorations(t *testing.T) {
	v := NewView(NewBuffer("abc"))
	v.SetDecoration(7, Decoration{Start: 1, End: 2, Color: "#ff0000"})
	assert.Len(t, v.Decorations(), 1)
	v.RemoveDecoration(7)
	assert.Empty(t, v.Decorations())
}

func TestViewLanguageIsLocalAndIdempotent(t *testing.T) {
	v := NewView(NewBuffer("abc"))
	v.SetLanguage("go")
	v.SetLanguage("go")
	assert.Equal(t, "go", v.Language())
}

func TestViewScrollTarget(t *testing.T) {
	v := NewView(NewBuffer("abc"))
	_, ok := v.ScrollTarget()
	assert.False(t, ok)
	v.ScrollToCenter(2)
	off, ok := v.ScrollTarget()
	assert.True(t, ok)
	assert.Equal(t, 2, off)
}
