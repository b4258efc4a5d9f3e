// Package binding keeps one local editor buffer and one shared replica
// mutually consistent without feedback loops, and renders remote peers'
// selections from the presence channel.
//
// A binding is strictly single-goroutine: buffer changes, replica deltas and
// presence updates must all be delivered on the same event goroutine. The
// reentrancy guard is a plain bool that exists to stop logical re-entry
// between the two translation directions, not to serialize threads.
package binding

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/astromechza/sharecode/pkg/editor"
	"github.com/astromechza/sharecode/pkg/presence"
	"github.com/astromechza/sharecode/pkg/replica"
)

// ErrAlreadyBound indicates Attach was called on a buffer that already has a
// live binding. This is a lifecycle misuse by the caller.
var ErrAlreadyBound = errors.New("buffer already has an attached binding")

// PublishFunc receives each opaque update payload produced by a local edit,
// for hand-off to the transport and the update log.
type PublishFunc func(payload []byte)

// Option configures a binding at attach time.
type Option func(*Binding)

// WithPresence connects the binding to the document's awareness channel.
// self is this session's id; it is excluded from rendering.
func WithPresence(ch *presence.Channel, self uint64) Option {
	return func(b *Binding) {
		b.ch = ch
		b.self = self
	}
}

// WithReadOnly constructs the binding for a session without edit capability:
// local edits are rejected at the buffer while remote deltas still apply.
func WithReadOnly() Option {
	return func(b *Binding) { b.readOnly = true }
}

// WithPublish sets the sink for locally-produced update payloads.
func WithPublish(fn PublishFunc) Option {
	return func(b *Binding) { b.publish = fn }
}

// Binding is a live (view, replica) pair. Create with Attach, dispose with
// Detach; every code path that attaches must detach, including error exits.
type Binding struct {
	view    *editor.View
	buf     *editor.Buffer
	rep     *replica.Replica
	ch      *presence.Channel
	self    uint64
	publish PublishFunc

	readOnly bool
	guard    bool

	repSub *replica.Subscription
	bufL   *editor.Listener
	selL   *editor.Listener
	chSub  *presence.Subscription

	following bool
	follow    uint64

	// The local selection, continuously maintained as content-anchored
	// positions so that the pre-mutation snapshot needed to restore it after
	// a remote delta is always already in hand.
	anchorPos replica.Position
	headPos   replica.Position
	havePos   bool

	detached bool
}

// Attach binds a view's buffer to a replica. The replica is authoritative at
// attach time: if the buffer text differs it is forcibly reset. Attaching to
// a buffer that is already bound fails with ErrAlreadyBound.
func Attach(view *editor.View, rep *replica.Replica, opts ...Option) (*Binding, error) {
	b := &Binding{view: view, buf: view.Buffer(), rep: rep}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.buf.Claim(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlreadyBound, err)
	}
	text, err := rep.Text()
	if err != nil {
		b.buf.Release()
		return nil, fmt.Errorf("failed to read replica text: %w", err)
	}
	if b.buf.Text() != text {
		b.buf.SetText(text)
	}
	if b.readOnly {
		b.buf.SetReadOnly(true)
	}

	b.bufL = b.buf.OnChange(b.onBufferChange)
	b.repSub = rep.Subscribe(b.onDelta)
	b.selL = view.OnSelectionChange(b.onSelectionChange)
	if b.ch != nil {
		b.chSub = b.ch.Subscribe(b.renderPresence)
	}

	b.encodeSelection(view.Selection())
	b.renderPresence()
	return b, nil
}

// Detach unregisters all observers, clears decoration state and releases the
// buffer claim. Safe to call multiple times; a delta or presence update
// arriving after Detach has no effect.
func (b *Binding) Detach() {
	if b.detached {
		return
	}
	b.detached = true
	b.repSub.Cancel()
	b.bufL.Cancel()
	b.selL.Cancel()
	if b.chSub != nil {
		b.chSub.Cancel()
	}
	b.view.ClearDecorations()
	b.buf.Release()
}

// ReadOnly reports whether the binding rejects local edits.
func (b *Binding) ReadOnly() bool {
	return b.readOnly
}

// SetLanguage switches the view's syntax language. Local-only and idempotent;
// never goes through the replica.
func (b *Binding) SetLanguage(lang string) {
	b.view.SetLanguage(lang)
}

// Follow starts tracking a peer session: on every presence change its head
// position is scrolled into the vertical center of the view.
func (b *Binding) Follow(session uint64) {
	b.following = true
	b.follow = session
	b.renderPresence()
}

// Unfollow stops tracking.
func (b *Binding) Unfollow() {
	b.following = false
}

// onBufferChange translates a local content change into exactly one replica
// mutation. Buffer batches arrive sorted by descending offset already, which
// is the order the replica requires.
func (b *Binding) onBufferChange(c editor.Change) {
	if b.detached || b.guard || c.Origin != editor.OriginLocal {
		return
	}
	b.guard = true
	defer func() { b.guard = false }()

	splices := make([]replica.Splice, 0, len(c.Edits))
	for _, e := range c.Edits {
		splices = append(splices, replica.Splice{Pos: e.Start, Del: e.End - e.Start, Text: e.Text})
	}
	payload, err := b.rep.Splice(splices)
	if err != nil {
		slog.Error("failed to apply local edit to replica", "err", err)
		return
	}
	if len(payload) > 0 && b.publish != nil {
		b.publish(payload)
	}
	b.encodeSelection(b.view.Selection())
	b.renderPresence()
}

// onDelta translates an externally-applied replica delta into local buffer
// edits, walking the ops in ascending offset order, then restores the local
// selection from its content-anchored snapshot.
func (b *Binding) onDelta(d replica.Delta) {
	if b.detached || b.guard || d.Local {
		return
	}
	b.guard = true
	pos := 0
	for _, op := range d.Ops {
		switch op.Kind {
		case replica.OpRetain:
			pos += op.N
		case replica.OpInsert:
			if err := b.buf.Replace(editor.OriginBinding, editor.Edit{Start: pos, End: pos, Text: op.Text}); err != nil {
				slog.Error("failed to apply insert to buffer", "err", err)
			}
			pos += len([]rune(op.Text))
		case replica.OpDelete:
			if err := b.buf.Replace(editor.OriginBinding, editor.Edit{Start: pos, End: pos + op.N, Text: ""}); err != nil {
				slog.Error("failed to apply delete to buffer", "err", err)
			}
		}
	}
	b.guard = false

	b.restoreSelection()
	b.renderPresence()
}

// onSelectionChange re-encodes the selection as content-anchored positions
// and publishes the local cursor on the presence channel.
func (b *Binding) onSelectionChange(sel editor.Selection) {
	if b.detached {
		return
	}
	b.encodeSelection(sel)
	if b.ch != nil && b.havePos {
		b.ch.SetCursor(b.self, &presence.Cursor{Anchor: string(b.anchorPos), Head: string(b.headPos)})
	}
}

func (b *Binding) encodeSelection(sel editor.Selection) {
	anchor, err := b.rep.EncodePosition(sel.Anchor)
	if err != nil {
		slog.Error("failed to encode selection anchor", "err", err)
		b.havePos = false
		return
	}
	head, err := b.rep.EncodePosition(sel.Head)
	if err != nil {
		slog.Error("failed to encode selection head", "err", err)
		b.havePos = false
		return
	}
	b.anchorPos, b.headPos, b.havePos = anchor, head, true
}

// restoreSelection resolves the snapshot back to absolute offsets in the
// mutated buffer. A position that no longer resolves collapses the selection
// to the nearest valid boundary instead of erroring.
func (b *Binding) restoreSelection() {
	if !b.havePos {
		return
	}
	anchor, aerr := b.rep.ResolvePosition(b.anchorPos)
	head, herr := b.rep.ResolvePosition(b.headPos)
	switch {
	case aerr == nil && herr == nil:
	case aerr == nil:
		head = anchor
	case herr == nil:
		anchor = head
	default:
		// Both ends lost: collapse to a caret at the nearest valid boundary
		// of the old head.
		n := b.buf.Len()
		head = b.view.Selection().Head
		if head > n {
			head = n
		}
		anchor = head
	}
	b.view.SetSelection(editor.Selection{Anchor: anchor, Head: head})
}

// renderPresence rebuilds remote peer decorations from the channel. One
// decoration per remote peer with a cursor: a colored range plus a caret at
// the head end, swapped and flagged CaretBefore when the head resolves before
// the anchor, caret-only when they coincide. Peers whose positions fail to
// resolve are skipped for the pass; decorations for peers no longer present
// are removed in the same pass.
func (b *Binding) renderPresence() {
	if b.detached || b.ch == nil {
		return
	}
	states := b.ch.States()
	seen := make(map[uint64]bool, len(states))
	for id, st := range states {
		if id == b.self || st.Cursor == nil {
			continue
		}
		anchor, err := b.rep.ResolvePosition(replica.Position(st.Cursor.Anchor))
		if err != nil {
			continue
		}
		head, err := b.rep.ResolvePosition(replica.Position(st.Cursor.Head))
		if err != nil {
			continue
		}
		d := editor.Decoration{
			Start:      anchor,
			End:        head,
			Color:      st.User.Color,
			ColorLight: st.User.ColorLight,
		}
		if anchor == head {
			d.CaretOnly = true
		} else if anchor > head {
			d.Start, d.End = head, anchor
			d.CaretBefore = true
		}
		b.view.SetDecoration(id, d)
		seen[id] = true
	}
	for id := range b.view.Decorations() {
		if !seen[id] {
			b.view.RemoveDecoration(id)
		}
	}

	if b.following {
		if st, ok := states[b.follow]; ok && st.Cursor != nil {
			if head, err := b.rep.ResolvePosition(replica.Position(st.Cursor.Head)); err == nil {
				b.view.ScrollToCenter(head)
			}
		}
	}
}
