package playback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/sharecode/pkg/replica"
)

type fakeSource struct {
	records []Record
	err     error
}

func (f fakeSource) Fetch(ctx context.Context, documentID string) ([]Record, error) {
	return f.records, f.err
}

var scenarioBase = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// scenarioRecords builds a real update history: the document is created, "a"
// is inserted at t+0, "b" appended at t+100ms, and the "a" deleted at t+200ms.
func scenarioRecords(t *testing.T) []Record {
	t.Helper()
	rep, err := replica.New()
	require.NoError(t, err)
	records := []Record{{ID: "create", Timestamp: scenarioBase, Payload: rep.SaveIncremental()}}

	step := func(id string, offset time.Duration, edits ...replica.Splice) {
		payload, err := rep.Splice(edits)
		require.NoError(t, err)
		records = append(records, Record{ID: id, Timestamp: scenarioBase.Add(offset), ActorID: "u1", Payload: payload})
	}
	step("insert-a", 0, replica.Splice{Pos: 0, Text: "a"})
	step("insert-b", 100*time.Millisecond, replica.Splice{Pos: 1, Text: "b"})
	step("delete-a", 200*time.Millisecond, replica.Splice{Pos: 0, Del: 1})
	return records
}

func TestReconstructScenario(t *testing.T) {
	records := scenarioRecords(t)
	for _, tc := range []struct {
		offset   time.Duration
		expected string
	}{
		{-10 * time.Millisecond, ""},
		{50 * time.Millisecond, "a"},
		{150 * time.Millisecond, "ab"},
		{250 * time.Millisecond, "b"},
	} {
		text, err := Reconstruct(records, scenarioBase.Add(tc.offset))
		require.NoError(t, err)
		assert.Equal(t, tc.expected, text, "at offset %s", tc.offset)
	}
}

func TestReconstructIsIdempotent(t *testing.T) {
	records := scenarioRecords(t)
	at := scenarioBase.Add(150 * time.Millisecond)
	first, err := Reconstruct(records, at)
	require.NoError(t, err)
	second, err := Reconstruct(records, at)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReconstructSkipsUnreplayableRecords(t *testing.T) {
	records := scenarioRecords(t)
	// A corrupt record mid-history is skipped, not fatal.
	corrupt := Record{ID: "junk", Timestamp: scenarioBase.Add(150 * time.Millisecond), Payload: []byte("garbage")}
	records = append(records[:3:3], append([]Record{corrupt}, records[3:]...)...)

	text, err := Reconstruct(records, scenarioBase.Add(250*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "b", text)
}

func TestPlayerLoadEmptyHistory(t *testing.T) {
	p := NewPlayer(fakeSource{}, "doc")
	defer p.Close()
	err := p.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoPlaybackData)
	assert.Equal(t, StateError, p.State())
	assert.ErrorIs(t, p.Err(), ErrNoPlaybackData)
}

func TestPlayerLoadTransportError(t *testing.T) {
	boom := errors.New("boom")
	p := NewPlayer(fakeSource{err: boom}, "doc")
	defer p.Close()
	err := p.Load(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNoPlaybackData)
	assert.Equal(t, StateError, p.State())
}

func TestPlayerLoadComputesBounds(t *testing.T) {
	records := scenarioRecords(t)
	p := NewPlayer(fakeSource{records: records}, "doc")
	defer p.Close()
	require.NoError(t, p.Load(context.Background()))
	assert.Equal(t, StateReady, p.State())
	start, end := p.Bounds()
	assert.Equal(t, scenarioBase, start)
	assert.Equal(t, scenarioBase.Add(200*time.Millisecond), end)
	assert.Equal(t, start, p.Current())
}

func TestPlayerSpeedValidation(t *testing.T) {
	p := NewPlayer(fakeSource{}, "doc")
	defer p.Close()
	assert.ErrorIs(t, p.SetSpeed(Speed(3)), ErrInvalidSpeed)
	assert.NoError(t, p.SetSpeed(SpeedHalf))
	assert.Equal(t, SpeedHalf, p.Speed())
}

func TestPlayerSeekClampsAndLandsReady(t *testing.T) {
	records := scenarioRecords(t)
	p := NewPlayer(fakeSource{records: records}, "doc")
	defer p.Close()
	require.NoError(t, p.Load(context.Background()))

	p.Seek(scenarioBase.Add(-time.Hour))
	assert.Equal(t, scenarioBase, p.Current())
	p.Seek(scenarioBase.Add(time.Hour))
	_, end := p.Bounds()
	assert.Equal(t, end, p.Current())
	assert.Equal(t, StateReady, p.State())
}

func TestPlayerPlayRunsToEndAndClamps(t *testing.T) {
	records := scenarioRecords(t)
	p := NewPlayer(fakeSource{records: records}, "doc")
	defer p.Close()
	require.NoError(t, p.Load(context.Background()))
	require.NoError(t, p.SetSpeed(Speed10x))

	p.Play()
	assert.Equal(t, StatePlaying, p.State())
	require.Eventually(t, func() bool { return p.State() == StateReady }, 2*time.Second, 10*time.Millisecond)
	_, end := p.Bounds()
	assert.Equal(t, end, p.Current())

	// At the end there is nothing left to play.
	p.Play()
	assert.Equal(t, StateReady, p.State())
}

func TestPlayerPause(t *testing.T) {
	records := scenarioRecords(t)
	p := NewPlayer(fakeSource{records: records}, "doc")
	defer p.Close()
	require.NoError(t, p.Load(context.Background()))

	p.Play()
	p.Pause()
	assert.Equal(t, StateReady, p.State())
	at := p.Current()
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, at, p.Current(), "a cancelled clock must not keep advancing")
}

func TestPlayerSeekCancelsPlayback(t *testing.T) {
	records := scenarioRecords(t)
	p := NewPlayer(fakeSource{records: records}, "doc")
	defer p.Close()
	require.NoError(t, p.Load(context.Background()))

	p.Play()
	target := scenarioBase.Add(100 * time.Millisecond)
	p.Seek(target)
	assert.Equal(t, StateReady, p.State())
	assert.Equal(t, target, p.Current())
}

func TestPlayerReconstructAtMonotonicPrefix(t *testing.T) {
	records := scenarioRecords(t)
	p := NewPlayer(fakeSource{records: records}, "doc")
	defer p.Close()
	require.NoError(t, p.Load(context.Background()))

	t1, err := p.ReconstructAt(scenarioBase.Add(50 * time.Millisecond))
	require.NoError(t, err)
	t2, err := p.ReconstructAt(scenarioBase.Add(150 * time.Millisecond))
	require.NoError(t, err)
	// The records applied for t1 are a prefix of those for t2.
	assert.Equal(t, "a", t1)
	assert.Equal(t, "ab", t2)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "playing", StatePlaying.String())
}
