package playback_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parlox/internal/playback"
	"github.com/MrWong99/parlox/pkg/audio"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

// instantPreparer returns 10 ms of silence for every request.
func instantPreparer() playback.PreparerFunc {
	return func(_ context.Context, req playback.Request) (playback.Prepared, error) {
		return playback.Prepared{Request: req, Audio: make([]byte, mono16k.Bytes(10*time.Millisecond)), Format: mono16k}, nil
	}
}

// recorder is a Player that records played ids and the maximum number of
// concurrent Play calls.
type recorder struct {
	mu      sync.Mutex
	played  []string
	active  atomic.Int32
	maxSeen atomic.Int32
	hold    time.Duration
	signal  chan string
}

func newRecorder(hold time.Duration) *recorder {
	return &recorder{hold: hold, signal: make(chan string, 64)}
}

func (r *recorder) Play(ctx context.Context, p playback.Prepared) error {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		m := r.maxSeen.Load()
		if n <= m || r.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case <-time.After(r.hold):
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	r.played = append(r.played, p.ID)
	r.mu.Unlock()
	r.signal <- p.ID
	return nil
}

func (r *recorder) Played() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.played...)
}

func waitPlayed(t *testing.T, r *recorder, n int) {
	t.Helper()
	for range n {
		select {
		case <-r.signal:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for playback; played so far: %v", r.Played())
		}
	}
}

func TestQueue_PlaysInOrderOneAtATime(t *testing.T) {
	t.Parallel()

	// Later items prepare faster so a racing implementation would reorder.
	delays := map[string]time.Duration{"a": 40 * time.Millisecond, "b": 20 * time.Millisecond, "c": 5 * time.Millisecond, "d": 0, "e": 10 * time.Millisecond}
	prep := playback.PreparerFunc(func(ctx context.Context, req playback.Request) (playback.Prepared, error) {
		time.Sleep(delays[req.ID])
		return instantPreparer()(ctx, req)
	})
	rec := newRecorder(15 * time.Millisecond)
	q := playback.New(prep, rec)
	defer q.Close()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if err := q.Enqueue(playback.Request{ID: id}); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	waitPlayed(t, rec, 5)

	got := rec.Played()
	want := []string{"a", "b", "c", "d", "e"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("played %v, want %v", got, want)
		}
	}
	if m := rec.maxSeen.Load(); m != 1 {
		t.Errorf("max concurrent Play calls = %d, want 1", m)
	}
}

func TestQueue_PreparesNextWhilePlaying(t *testing.T) {
	t.Parallel()

	bReady := make(chan struct{})
	prep := playback.PreparerFunc(func(ctx context.Context, req playback.Request) (playback.Prepared, error) {
		if req.ID == "b" {
			defer close(bReady)
			time.Sleep(30 * time.Millisecond)
		}
		return instantPreparer()(ctx, req)
	})

	var (
		mu   sync.Mutex
		gaps = map[string]time.Duration{}
	)
	played := make(chan string, 2)
	player := playback.PlayerFunc(func(ctx context.Context, p playback.Prepared) error {
		if p.ID == "a" {
			// Item a only finishes once b has been prepared, which proves
			// b was prepared during a's playback.
			select {
			case <-bReady:
			case <-time.After(2 * time.Second):
				return errors.New("next item was not prepared during playback")
			}
		}
		played <- p.ID
		return nil
	})
	q := playback.New(prep, player, playback.WithPlayedHook(func(p playback.Prepared, _, gap time.Duration) {
		mu.Lock()
		gaps[p.ID] = gap
		mu.Unlock()
	}))
	defer q.Close()

	_ = q.Enqueue(playback.Request{ID: "a"})
	_ = q.Enqueue(playback.Request{ID: "b"})

	for _, want := range []string{"a", "b"} {
		select {
		case got := <-played:
			if got != want {
				t.Fatalf("played %q, want %q", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	// The played hook runs after Play returns; wait for it.
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		gap, ok := gaps["b"]
		mu.Unlock()
		if ok {
			if gap < 0 || gap > 50*time.Millisecond {
				t.Errorf("gap before b = %v, want a near-zero gap", gap)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("played hook not called for b")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueue_SkipsFailedItems(t *testing.T) {
	t.Parallel()

	prep := playback.PreparerFunc(func(ctx context.Context, req playback.Request) (playback.Prepared, error) {
		switch req.ID {
		case "bad-prep":
			return playback.Prepared{}, errors.New("tts down")
		case "prep-panic":
			panic("synthesizer exploded")
		}
		return instantPreparer()(ctx, req)
	})
	rec := newRecorder(0)
	player := playback.PlayerFunc(func(ctx context.Context, p playback.Prepared) error {
		switch p.ID {
		case "bad-play":
			return errors.New("device gone")
		case "play-panic":
			panic("sink exploded")
		}
		return rec.Play(ctx, p)
	})

	var (
		mu     sync.Mutex
		stages = map[string]playback.Stage{}
	)
	q := playback.New(prep, player, playback.WithErrorHook(func(stage playback.Stage, req playback.Request, _ error) {
		mu.Lock()
		stages[req.ID] = stage
		mu.Unlock()
	}))
	defer q.Close()

	for _, id := range []string{"a", "bad-prep", "b", "prep-panic", "bad-play", "play-panic", "c"} {
		_ = q.Enqueue(playback.Request{ID: id})
	}
	waitPlayed(t, rec, 3)

	got := rec.Played()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("played %v, want [a b c]", got)
	}
	mu.Lock()
	defer mu.Unlock()
	want := map[string]playback.Stage{
		"bad-prep":   playback.StagePrepare,
		"prep-panic": playback.StagePrepare,
		"bad-play":   playback.StagePlay,
		"play-panic": playback.StagePlay,
	}
	for id, stage := range want {
		if stages[id] != stage {
			t.Errorf("stage for %s = %q, want %q", id, stages[id], stage)
		}
	}
}

func TestQueue_ClearInterruptsAndDrops(t *testing.T) {
	t.Parallel()

	started := make(chan string, 8)
	interrupted := make(chan string, 8)
	player := playback.PlayerFunc(func(ctx context.Context, p playback.Prepared) error {
		started <- p.ID
		if p.ID == "d" {
			return nil
		}
		<-ctx.Done()
		interrupted <- p.ID
		return ctx.Err()
	})
	q := playback.New(instantPreparer(), player)
	defer q.Close()

	for _, id := range []string{"a", "b", "c"} {
		_ = q.Enqueue(playback.Request{ID: id})
	}
	select {
	case id := <-started:
		if id != "a" {
			t.Fatalf("first played %q, want a", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not start")
	}

	q.Clear()
	q.Clear()

	select {
	case id := <-interrupted:
		if id != "a" {
			t.Errorf("interrupted %q, want a", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Clear did not interrupt playback")
	}
	if n := q.Len(); n != 0 {
		t.Errorf("Len after Clear = %d, want 0", n)
	}

	_ = q.Enqueue(playback.Request{ID: "d"})
	select {
	case id := <-started:
		if id != "d" {
			t.Errorf("after Clear played %q, want d (b and c must be dropped)", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not resume after Clear")
	}
}

func TestQueue_StateTransitions(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		states []playback.State
	)
	idle := make(chan struct{}, 4)
	prep := playback.PreparerFunc(func(ctx context.Context, req playback.Request) (playback.Prepared, error) {
		time.Sleep(10 * time.Millisecond)
		return instantPreparer()(ctx, req)
	})
	q := playback.New(prep, newRecorder(0), playback.WithStateHook(func(_, to playback.State) {
		mu.Lock()
		states = append(states, to)
		mu.Unlock()
		if to == playback.StateIdle {
			idle <- struct{}{}
		}
	}))
	defer q.Close()

	_ = q.Enqueue(playback.Request{ID: "a"})
	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("queue never returned to idle")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []playback.State{playback.StatePreparing, playback.StatePlaying, playback.StateIdle}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestQueue_DepthHookBalances(t *testing.T) {
	t.Parallel()

	var depth atomic.Int64
	rec := newRecorder(0)
	q := playback.New(instantPreparer(), rec, playback.WithDepthHook(func(d int) { depth.Add(int64(d)) }))
	defer q.Close()

	for _, id := range []string{"a", "b", "c"} {
		_ = q.Enqueue(playback.Request{ID: id})
	}
	waitPlayed(t, rec, 3)
	if d := depth.Load(); d != 0 {
		t.Errorf("depth after draining = %d, want 0", d)
	}
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	q := playback.New(instantPreparer(), newRecorder(0))
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := q.Enqueue(playback.Request{ID: "late"}); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
}

func TestPrepared_Duration(t *testing.T) {
	t.Parallel()
	p := playback.Prepared{Audio: make([]byte, mono16k.Bytes(250*time.Millisecond)), Format: mono16k}
	if got := p.Duration(); got != 250*time.Millisecond {
		t.Errorf("Duration = %v, want 250ms", got)
	}
}
