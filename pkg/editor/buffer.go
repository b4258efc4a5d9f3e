// Package editor provides the headless local buffer and view that a binding
// keeps in sync with a shared replica. Offsets throughout are rune offsets.
package editor

import "errors"

// Errors returned by buffer operations.
var (
	ErrRangeInvalid    = errors.New("invalid range")
	ErrEditsOutOfOrder = errors.New("edits overlap or are not in reverse order")
	ErrReadOnly        = errors.New("buffer is read-only")
	ErrAlreadyClaimed  = errors.New("buffer is already claimed by a binding")
	ErrNotClaimed      = errors.New("buffer is not claimed")
)

// Origin tags who produced a change: the local user, or a binding applying a
// replica delta. Read-only buffers refuse OriginLocal edits only.
type Origin int

const (
	OriginLocal Origin = iota
	OriginBinding
)

// Edit replaces the rune range [Start, End) with Text.
type Edit struct {
	Start int
	End   int
	Text  string
}

// Change is delivered to change listeners after every successful mutation,
// carrying the edits exactly as they were applied.
type Change struct {
	Origin Origin
	Edits  []Edit
}

// Listener is a registered callback handle. Cancel releases it; no delivery
// happens after Cancel returns.
type Listener struct {
	cancel func()
}

// Cancel unregisters the listener. Safe to call more than once.
func (l *Listener) Cancel() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// Buffer is a mutable rune buffer with change listeners. Like the rest of the
// binding layer it is driven from a single event goroutine and is not
// internally locked.
type Buffer struct {
	runes     []rune
	readOnly  bool
	claimed   bool
	listeners map[uint64]func(Change)
	nextID    uint64
}

// NewBuffer creates a buffer with initial content.
func NewBuffer(text string) *Buffer {
	return &Buffer{runes: []rune(text), listeners: map[uint64]func(Change){}}
}

// Text returns the full buffer content.
func (b *Buffer) Text() string {
	return string(b.runes)
}

// Len returns the buffer length in runes.
func (b *Buffer) Len() int {
	return len(b.runes)
}

// SetReadOnly toggles rejection of OriginLocal edits.
func (b *Buffer) SetReadOnly(ro bool) {
	b.readOnly = ro
}

// ReadOnly reports whether OriginLocal edits are rejected.
func (b *Buffer) ReadOnly() bool {
	return b.readOnly
}

// Claim marks the buffer as owned by a binding. A second claim without a
// Release fails.
func (b *Buffer) Claim() error {
	if b.claimed {
		return ErrAlreadyClaimed
	}
	b.claimed = true
	return nil
}

// Release undoes Claim. Releasing an unclaimed buffer is a no-op.
func (b *Buffer) Release() {
	b.claimed = false
}

// SetText replaces the whole content without regard to read-only state. Used
// when a binding forces the buffer to the replica's authoritative text at
// attach time. Listeners observe it as a single OriginBinding replace.
func (b *Buffer) SetText(text string) {
	old := len(b.runes)
	b.runes = []rune(text)
	b.emit(Change{Origin: OriginBinding, Edits: []Edit{{Start: 0, End: old, Text: text}}})
}

// Replace applies a single edit.
func (b *Buffer) Replace(origin Origin, e Edit) error {
	return b.ApplyEdits(origin, []Edit{e})
}

// ApplyEdits applies a batch of edits atomically. Edits must be sorted by
// strictly descending start offset and must not overlap, so that applying
// them in order never invalidates a later entry. One Change event is emitted
// for the whole batch.
func (b *Buffer) ApplyEdits(origin Origin, edits []Edit) error {
	if len(edits) == 0 {
		return nil
	}
	if origin == OriginLocal && b.readOnly {
		return ErrReadOnly
	}
	for i := 1; i < len(edits); i++ {
		if edits[i].End > edits[i-1].Start {
			return ErrEditsOutOfOrder
		}
	}
	n := len(b.runes)
	for _, e := range edits {
		if e.Start < 0 || e.Start > e.End || e.End > n {
			return ErrRangeInvalid
		}
	}
	for _, e := range edits {
		ins := []rune(e.Text)
		out := make([]rune, 0, len(b.runes)-(e.End-e.Start)+len(ins))
		out = append(out, b.runes[:e.Start]...)
		out = append(out, ins...)
		out = append(out, b.runes[e.End:]...)
		b.runes = out
	}
	b.emit(Change{Origin: origin, Edits: edits})
	return nil
}

// OnChange registers a change listener and returns its handle.
func (b *Buffer) OnChange(fn func(Change)) *Listener {
	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	return &Listener{cancel: func() { delete(b.listeners, id) }}
}

func (b *Buffer) emit(c Change) {
	for _, fn := range b.listeners {
		fn(c)
	}
}
