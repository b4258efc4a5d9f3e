package editor

// Selection is an anchor/head pair of rune offsets. Anchor is where the
// selection started, head is where the caret is; head may be before anchor.
type Selection struct {
	Anchor int
	Head   int
}

// Empty reports whether the selection is caret-only.
func (s Selection) Empty() bool {
	return s.Anchor == s.Head
}

// Decoration is the rendered representation of one remote peer's selection:
// a colored range plus a caret marker at the head end. CaretBefore is set when
// the peer's head resolved before its anchor; CaretOnly when they coincide.
type Decoration struct {
	Start       int
	End         int
	Color       string
	ColorLight  string
	CaretBefore bool
	CaretOnly   bool
}

// View is one presentation of a buffer: a selection, remote-peer decorations
// keyed by session id, a scroll request slot, and a local syntax language.
type View struct {
	buffer      *Buffer
	selection   Selection
	decorations map[uint64]Decoration
	listeners   map[uint64]func(Selection)
	nextID      uint64
	language    string

	// scrollTarget records the offset most recently requested to be centered
	// vertically; hasScroll distinguishes "never scrolled".
	scrollTarget int
	hasScroll    bool
}

// NewView creates a view over a buffer.
func NewView(b *Buffer) *View {
	return &View{
		buffer:      b,
		decorations: map[uint64]Decoration{},
		listeners:   map[uint64]func(Selection){},
	}
}

// Buffer returns the underlying buffer.
func (v *View) Buffer() *Buffer {
	return v.buffer
}

// Selection returns the current selection.
func (v *View) Selection() Selection {
	return v.selection
}

// SetSelection clamps the selection into the buffer bounds, stores it and
// notifies selection listeners.
func (v *View) SetSelection(sel Selection) {
	n := v.buffer.Len()
	sel.Anchor = clamp(sel.Anchor, 0, n)
	sel.Head = clamp(sel.Head, 0, n)
	v.selection = sel
	for _, fn := range v.listeners {
		fn(sel)
	}
}

// OnSelectionChange registers a selection listener and returns its handle.
func (v *View) OnSelectionChange(fn func(Selection)) *Listener {
	v.nextID++
	id := v.nextID
	v.listeners[id] = fn
	return &Listener{cancel: func() { delete(v.listeners, id) }}
}

// SetDecoration installs or replaces the decoration for a peer session.
func (v *View) SetDecoration(session uint64, d Decoration) {
	v.decorations[session] = d
}

// RemoveDecoration drops the decoration for a peer session if present.
func (v *View) RemoveDecoration(session uint64) {
	delete(v.decorations, session)
}

// ClearDecorations drops all decorations.
func (v *View) ClearDecorations() {
	v.decorations = map[uint64]Decoration{}
}

// Decorations returns a copy of the current decoration set.
func (v *View) Decorations() map[uint64]Decoration {
	out := make(map[uint64]Decoration, len(v.decorations))
	for k, d := range v.decorations {
		out[k] = d
	}
	return out
}

// ScrollToCenter requests that the given offset be scrolled into the vertical
// center of the view.
func (v *View) ScrollToCenter(offset int) {
	v.scrollTarget = offset
	v.hasScroll = true
}

// ScrollTarget returns the last requested centered offset, if any.
func (v *View) ScrollTarget() (int, bool) {
	return v.scrollTarget, v.hasScroll
}

// Language returns the current syntax language.
func (v *View) Language() string {
	return v.language
}

// SetLanguage switches the syntax language. This is local-only state: it is
// never replicated and setting the same language twice is a no-op.
func (v *View) SetLanguage(lang string) {
	v.language = lang
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
