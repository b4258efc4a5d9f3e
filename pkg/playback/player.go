package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/sharecode/pkg/logstore"
	"github.com/astromechza/sharecode/pkg/replica"
)

// ErrNoPlaybackData indicates the document has no logged updates at all:
// there is nothing to reconstruct. Distinguished from transport errors so the
// viewer can surface an explicit empty state.
var ErrNoPlaybackData = errors.New("no playback data for document")

// ErrInvalidSpeed indicates a speed outside the supported set.
var ErrInvalidSpeed = errors.New("unsupported playback speed")

// State is the player lifecycle: Idle → Loading → Ready ⇄ Playing, with
// Error on load failure.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePlaying
	StateError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Speed is a discrete playback speed multiplier.
type Speed float64

const (
	SpeedHalf Speed = 0.5
	Speed1x   Speed = 1
	Speed2x   Speed = 2
	Speed5x   Speed = 5
	Speed10x  Speed = 10
)

var validSpeeds = map[Speed]bool{SpeedHalf: true, Speed1x: true, Speed2x: true, Speed5x: true, Speed10x: true}

// tickInterval is the wall-clock advance cadence while playing.
const tickInterval = 100 * time.Millisecond

// Source supplies the full ordered record history of a document.
type Source interface {
	Fetch(ctx context.Context, documentID string) ([]Record, error)
}

// StoreSource reads records directly from a local update log.
type StoreSource struct {
	Store *logstore.Store
}

// Fetch returns the document's records in log-position order.
func (s StoreSource) Fetch(ctx context.Context, documentID string) ([]Record, error) {
	recs, err := s.Store.ListOrdered(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list updates: %w", err)
	}
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, Record{ID: r.ID, Timestamp: r.Timestamp, ActorID: r.ActorID, Payload: r.Payload})
	}
	return out, nil
}

// Reconstruct folds the ordered prefix of records with timestamp ≤ at into a
// fresh throwaway replica and returns the resulting text. Records whose
// payloads fail to apply are skipped with a log line, never aborting the
// remainder. Pure with respect to any live document: identical inputs yield
// byte-identical text.
func Reconstruct(records []Record, at time.Time) (string, error) {
	rep := replica.NewForPlayback()
	for _, rec := range records {
		if rec.Timestamp.After(at) {
			break
		}
		if _, err := rep.ApplyUpdate(rec.Payload); err != nil {
			slog.Warn("skipping unreplayable record", "record", rec.ID, "err", err)
		}
	}
	return rep.Text()
}

// Player drives seek/scrub/play over one document's history. Callbacks and
// method calls are serialized internally; tick callbacks fire on the player's
// own goroutine.
type Player struct {
	source     Source
	documentID string

	mu      sync.Mutex
	state   State
	err     error
	records []Record
	start   time.Time
	end     time.Time
	current time.Time
	speed   Speed
	gen     uint64

	onState func(State)
	onTick  func(time.Time)
}

// NewPlayer creates an idle player for one document.
func NewPlayer(source Source, documentID string) *Player {
	return &Player{source: source, documentID: documentID, state: StateIdle, speed: Speed1x}
}

// OnStateChange sets the state-transition callback. Set before Load.
func (p *Player) OnStateChange(fn func(State)) {
	p.onState = fn
}

// OnTick sets the clock-advance callback. Set before Load.
func (p *Player) OnTick(fn func(time.Time)) {
	p.onTick = fn
}

// Load fetches the full ordered history and computes the scrub range. An
// empty record set resolves into the error state with ErrNoPlaybackData; any
// other failure carries the transport error.
func (p *Player) Load(ctx context.Context) error {
	p.setState(StateLoading)
	records, err := p.source.Fetch(ctx, p.documentID)
	if err == nil && len(records) == 0 {
		err = ErrNoPlaybackData
	}
	p.mu.Lock()
	if err != nil {
		p.state, p.err = StateError, err
		p.mu.Unlock()
		p.emitState(StateError)
		return err
	}
	p.records = records
	p.start = records[0].Timestamp
	p.end = records[len(records)-1].Timestamp
	p.current = p.start
	p.state = StateReady
	p.mu.Unlock()
	p.emitState(StateReady)
	return nil
}

// ReconstructAt returns the exact document text at the target timestamp.
func (p *Player) ReconstructAt(at time.Time) (string, error) {
	p.mu.Lock()
	records := p.records
	p.mu.Unlock()
	return Reconstruct(records, at)
}

// State returns the current lifecycle state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the load error, if any.
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Bounds returns the scrub range computed at load time.
func (p *Player) Bounds() (start, end time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.start, p.end
}

// Current returns the playback clock position.
func (p *Player) Current() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Speed returns the current speed multiplier.
func (p *Player) Speed() Speed {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// SetSpeed switches the multiplier. While playing it takes effect on the next
// tick without restarting playback.
func (p *Player) SetSpeed(s Speed) error {
	if !validSpeeds[s] {
		return ErrInvalidSpeed
	}
	p.mu.Lock()
	p.speed = s
	p.mu.Unlock()
	return nil
}

// Play starts the clock. Each 100ms of wall time advances the position by
// 100ms × speed; hitting the end clamps and returns to Ready.
func (p *Player) Play() {
	p.mu.Lock()
	if p.state != StateReady || !p.current.Before(p.end) {
		p.mu.Unlock()
		return
	}
	p.state = StatePlaying
	p.gen++
	gen := p.gen
	p.mu.Unlock()
	p.emitState(StatePlaying)
	go p.run(gen)
}

// Pause stops the clock and returns to Ready.
func (p *Player) Pause() {
	p.mu.Lock()
	if p.state != StatePlaying {
		p.mu.Unlock()
		return
	}
	p.state = StateReady
	p.gen++
	p.mu.Unlock()
	p.emitState(StateReady)
}

// Seek moves the clock to the target timestamp, clamped into the scrub range.
// Seeking always lands in Ready and cancels any in-flight advance.
func (p *Player) Seek(at time.Time) {
	p.mu.Lock()
	if p.state != StateReady && p.state != StatePlaying {
		p.mu.Unlock()
		return
	}
	if at.Before(p.start) {
		at = p.start
	}
	if at.After(p.end) {
		at = p.end
	}
	wasPlaying := p.state == StatePlaying
	p.state = StateReady
	p.current = at
	p.gen++
	p.mu.Unlock()
	if wasPlaying {
		p.emitState(StateReady)
	}
	p.emitTick(at)
}

// Close invalidates any running clock. Ticks arriving after Close have no
// effect.
func (p *Player) Close() {
	p.mu.Lock()
	p.gen++
	if p.state == StatePlaying {
		p.state = StateReady
	}
	p.mu.Unlock()
}

func (p *Player) run(gen uint64) {
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for range t.C {
		if !p.advance(gen) {
			return
		}
	}
}

// advance moves the clock one tick; it reports whether this clock generation
// is still live.
func (p *Player) advance(gen uint64) bool {
	p.mu.Lock()
	if p.gen != gen || p.state != StatePlaying {
		p.mu.Unlock()
		return false
	}
	p.current = p.current.Add(time.Duration(float64(tickInterval) * float64(p.speed)))
	finished := !p.current.Before(p.end)
	if finished {
		p.current = p.end
		p.state = StateReady
		p.gen++
	}
	now := p.current
	p.mu.Unlock()

	p.emitTick(now)
	if finished {
		p.emitState(StateReady)
		return false
	}
	return true
}

func (p *Player) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.emitState(s)
}

func (p *Player) emitState(s State) {
	if p.onState != nil {
		p.onState(s)
	}
}

func (p *Player) emitTick(at time.Time) {
	if p.onTick != nil {
		p.onTick(at)
	}
}
