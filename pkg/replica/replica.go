// Package replica adapts an automerge document to the shape the rest of the
// system needs: a single shared text object that emits opaque, order-sensitive
// update payloads, accepts payloads produced elsewhere, and can encode stable
// content-anchored positions that survive concurrent edits.
package replica

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// contentKey is the root map key holding the document text.
const contentKey = "content"

var (
	// ErrEditsOutOfOrder indicates a splice batch was not sorted by descending offset.
	ErrEditsOutOfOrder = errors.New("splice batch not in descending offset order")
	// ErrRangeInvalid indicates a splice outside the current text bounds.
	ErrRangeInvalid = errors.New("splice out of range")
)

// Splice is a single local mutation: delete Del runes at Pos, then insert Text.
// Offsets are rune offsets into the current text.
type Splice struct {
	Pos  int
	Del  int
	Text string
}

// OpKind enumerates the edit operations a Delta is made of.
type OpKind int

const (
	OpRetain OpKind = iota
	OpInsert
	OpDelete
)

// Op is one step of a Delta walk. Offsets are cumulative: each Retain or
// Insert advances the position in the post-edit text, each Delete consumes
// runes of the pre-edit text at the current position.
type Op struct {
	Kind OpKind
	N    int    // rune count for Retain and Delete
	Text string // inserted text for Insert
}

// Delta describes one applied mutation. Payload is the opaque incremental
// update that reproduces it on any peer; Ops is the rune-level walk used to
// patch a local buffer.
type Delta struct {
	Local   bool
	Payload []byte
	Ops     []Op
}

// Position is an opaque, content-anchored encoding of a location in the text.
// It remains resolvable after concurrent edits from other peers: the replica
// tracks every position it has seen and transforms the tracked offset through
// the ops of each applied delta.
type Position string

// maxTrackedPositions bounds the position registry. An evicted position
// re-seeds from the offset recorded in its encoding on next resolve, so
// eviction degrades accuracy rather than breaking resolution.
const maxTrackedPositions = 1024

// Replica owns one automerge doc with a text object at the root. It is not
// safe for concurrent use; callers drive it from a single event goroutine and
// serialize server-side access themselves.
type Replica struct {
	doc     *automerge.Doc
	subs    map[uint64]func(Delta)
	nextSub uint64

	positions map[Position]int
	order     []Position
}

// New creates a replica with an empty text object. The creation itself is a
// committed change, so the first incremental save carries it and replaying the
// update log from scratch reconstructs the text object too.
func New() (*Replica, error) {
	doc := automerge.New()
	if err := doc.RootMap().Set(contentKey, automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("failed to create text object: %w", err)
	}
	if _, err := doc.Commit("create document"); err != nil {
		return nil, fmt.Errorf("failed to commit text object: %w", err)
	}
	return newReplica(doc), nil
}

func newReplica(doc *automerge.Doc) *Replica {
	return &Replica{doc: doc, subs: map[uint64]func(Delta){}, positions: map[Position]int{}}
}

// NewForPlayback creates a truly empty replica that only ever folds foreign
// update payloads. Reading the text of an empty playback replica yields "".
func NewForPlayback() *Replica {
	return newReplica(automerge.New())
}

// Load restores a replica from a full document save.
func Load(raw []byte) (*Replica, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return newReplica(doc), nil
}

// Doc exposes the underlying automerge doc for sync-state plumbing.
func (r *Replica) Doc() *automerge.Doc {
	return r.doc
}

// Save returns a full snapshot of the document.
func (r *Replica) Save() []byte {
	return r.doc.Save()
}

// SaveIncremental returns the opaque payload of all changes since the last
// save. On a fresh replica this includes the text object creation.
func (r *Replica) SaveIncremental() []byte {
	return r.doc.SaveIncremental()
}

// ActorID returns the actor id of the underlying doc.
func (r *Replica) ActorID() string {
	return r.doc.ActorID()
}

// SetActorID sets the actor id used for subsequent local changes.
func (r *Replica) SetActorID(id string) error {
	return r.doc.SetActorID(id)
}

func (r *Replica) text() *automerge.Text {
	return r.doc.Path(contentKey).Text()
}

// Text returns the current document text. A playback replica that has not yet
// folded the creating update has no text object and reads as empty.
func (r *Replica) Text() (string, error) {
	return TextOfDoc(r.doc)
}

// TextOfDoc reads the document text directly from an automerge doc, such as a
// historical fork. A doc without a text object reads as empty.
func TextOfDoc(doc *automerge.Doc) (string, error) {
	v, err := doc.Path(contentKey).Get()
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	switch v.Kind() {
	case automerge.KindVoid:
		return "", nil
	case automerge.KindText:
		return v.Text().Get()
	default:
		return "", fmt.Errorf("content is not a text object: %v", v.Kind())
	}
}

// Len returns the current text length in runes.
func (r *Replica) Len() (int, error) {
	s, err := r.Text()
	if err != nil {
		return 0, err
	}
	return len([]rune(s)), nil
}

// Splice applies a batch of local edits as one committed mutation and returns
// the single opaque payload representing it. The batch must be sorted by
// non-increasing offset so that earlier entries cannot invalidate the offsets
// of later ones. Subscribers observe the resulting delta with
// Local=true.
func (r *Replica) Splice(edits []Splice) ([]byte, error) {
	if len(edits) == 0 {
		return nil, nil
	}
	for i := 1; i < len(edits); i++ {
		if edits[i].Pos > edits[i-1].Pos {
			return nil, ErrEditsOutOfOrder
		}
	}
	before, err := r.Text()
	if err != nil {
		return nil, err
	}
	n := len([]rune(before))
	for _, e := range edits {
		if e.Pos < 0 || e.Del < 0 || e.Pos+e.Del > n {
			return nil, ErrRangeInvalid
		}
	}
	t := r.text()
	for _, e := range edits {
		if err := t.Splice(e.Pos, e.Del, e.Text); err != nil {
			return nil, fmt.Errorf("failed to splice at %d: %w", e.Pos, err)
		}
	}
	if _, err := r.doc.Commit("edit"); err != nil {
		return nil, fmt.Errorf("failed to commit edit: %w", err)
	}
	after, err := r.Text()
	if err != nil {
		return nil, err
	}
	payload := r.doc.SaveIncremental()
	d := Delta{Local: true, Payload: payload, Ops: diffOps(before, after)}
	r.shiftPositions(d.Ops)
	r.notify(d)
	return payload, nil
}

// chunkMagic is the four-byte header every automerge binary chunk starts
// with; a document save, a change, and a concatenation of changes all carry
// it. LoadIncremental silently ignores bytes it cannot decode, so the header
// check is what turns garbage into an explicit error.
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

func validatePayload(payload []byte) error {
	if len(payload) < 9 || !bytes.Equal(payload[:4], chunkMagic) {
		return errors.New("payload is not an automerge chunk")
	}
	return nil
}

// ApplyUpdate folds a remote opaque payload into the document and returns the
// resulting delta. Subscribers observe it with Local=false. A payload that
// fails to decode leaves the document untouched.
func (r *Replica) ApplyUpdate(payload []byte) (Delta, error) {
	if err := validatePayload(payload); err != nil {
		return Delta{}, fmt.Errorf("failed to apply update: %w", err)
	}
	before, err := r.Text()
	if err != nil {
		return Delta{}, err
	}
	if err := r.doc.LoadIncremental(payload); err != nil {
		return Delta{}, fmt.Errorf("failed to apply update: %w", err)
	}
	after, err := r.Text()
	if err != nil {
		return Delta{}, err
	}
	d := Delta{Local: false, Payload: payload, Ops: diffOps(before, after)}
	r.shiftPositions(d.Ops)
	r.notify(d)
	return d, nil
}

// Subscription is a registered delta observer. Cancel releases it; no
// delivery happens after Cancel returns.
type Subscription struct {
	r  *Replica
	id uint64
}

// Cancel unregisters the observer. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.r != nil {
		delete(s.r.subs, s.id)
		s.r = nil
	}
}

// Subscribe registers fn to be called after every applied mutation, local or
// remote.
func (r *Replica) Subscribe(fn func(Delta)) *Subscription {
	r.nextSub++
	id := r.nextSub
	r.subs[id] = fn
	return &Subscription{r: r, id: id}
}

func (r *Replica) notify(d Delta) {
	for _, fn := range r.subs {
		fn(d)
	}
}

// EncodePosition encodes a rune offset as a content-anchored position and
// starts tracking it. The offset is clamped into the current text bounds
// first. The encoding carries the offset so that a peer replica, or this one
// after registry eviction, can seed its own tracking from it.
func (r *Replica) EncodePosition(offset int) (Position, error) {
	n, err := r.Len()
	if err != nil {
		return "", err
	}
	offset = clamp(offset, 0, n)
	p := Position(uuid.NewString() + "@" + strconv.Itoa(offset))
	r.track(p, offset)
	return p, nil
}

// ResolvePosition resolves a content-anchored position back to a rune offset
// in the current text, clamped into bounds. A position this replica has not
// seen before is seeded at its recorded offset and tracked from here on; one
// that fails to decode returns an error, and callers collapse or skip per
// their own policy.
func (r *Replica) ResolvePosition(p Position) (int, error) {
	n, err := r.Len()
	if err != nil {
		return 0, err
	}
	if offset, ok := r.positions[p]; ok {
		return clamp(offset, 0, n), nil
	}
	id, rawOffset, ok := strings.Cut(string(p), "@")
	if !ok {
		return 0, fmt.Errorf("failed to decode position: missing offset")
	}
	if _, err := uuid.Parse(id); err != nil {
		return 0, fmt.Errorf("failed to decode position: %w", err)
	}
	offset, err := strconv.Atoi(rawOffset)
	if err != nil {
		return 0, fmt.Errorf("failed to decode position: %w", err)
	}
	offset = clamp(offset, 0, n)
	r.track(p, offset)
	return offset, nil
}

// track registers a position in the bounded registry, evicting the oldest
// entry when full.
func (r *Replica) track(p Position, offset int) {
	if _, ok := r.positions[p]; ok {
		return
	}
	if len(r.order) >= maxTrackedPositions {
		delete(r.positions, r.order[0])
		r.order = r.order[1:]
	}
	r.positions[p] = offset
	r.order = append(r.order, p)
}

// shiftPositions transforms every tracked position through the ops of an
// applied delta.
func (r *Replica) shiftPositions(ops []Op) {
	if len(r.positions) == 0 {
		return
	}
	for p, offset := range r.positions {
		r.positions[p] = transformOffset(offset, ops)
	}
}

// transformOffset maps a rune offset in the pre-edit text to the
// corresponding offset in the post-edit text. A position anchors to the
// character it precedes: an insert at or before it shifts it right, and a
// delete spanning it collapses it to the deletion start.
func transformOffset(x int, ops []Op) int {
	pre, post := 0, 0
	for _, op := range ops {
		switch op.Kind {
		case OpRetain:
			if x < pre+op.N {
				return post + (x - pre)
			}
			pre += op.N
			post += op.N
		case OpDelete:
			if x < pre+op.N {
				return post
			}
			pre += op.N
		case OpInsert:
			post += len([]rune(op.Text))
		}
	}
	return post + (x - pre)
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

// diffOps reduces the before/after texts to a retain/delete/insert/retain walk
// over the common prefix and suffix. Concurrent automerge merges can interleave
// more finely than this, but a single replace region is always a faithful
// description of the net change and keeps buffer patching simple.
func diffOps(before, after string) []Op {
	b, a := []rune(before), []rune(after)
	p := 0
	for p < len(b) && p < len(a) && b[p] == a[p] {
		p++
	}
	s := 0
	for s < len(b)-p && s < len(a)-p && b[len(b)-1-s] == a[len(a)-1-s] {
		s++
	}
	ops := make([]Op, 0, 4)
	if p > 0 {
		ops = append(ops, Op{Kind: OpRetain, N: p})
	}
	if del := len(b) - p - s; del > 0 {
		ops = append(ops, Op{Kind: OpDelete, N: del})
	}
	if ins := a[p : len(a)-s]; len(ins) > 0 {
		ops = append(ops, Op{Kind: OpInsert, Text: string(ins)})
	}
	if s > 0 {
		ops = append(ops, Op{Kind: OpRetain, N: s})
	}
	return ops
}
