package prewarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type fakeWarmer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeWarmer) PrewarmDaily(_ context.Context, days int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("daily(%d)", days))
	return f.err
}

func (f *fakeWarmer) PrewarmTop(_ context.Context, hours, limit int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("top(%d,%d)", hours, limit))
	return f.err
}

type fakeHotKeys struct {
	keys []string
	err  error
}

func (f *fakeHotKeys) HotKeys(_ context.Context) ([]string, error) {
	return f.keys, f.err
}

func newTestPrewarmer(warmer *fakeWarmer, hot *fakeHotKeys) *Prewarmer {
	return &Prewarmer{
		analytics: warmer,
		tracker:   hot,
		logger:    zerolog.Nop(),
		onStartup: true,
		onCron:    false,
	}
}

var staticCalls = []string{"daily(7)", "daily(30)", "top(24,3)", "top(24,10)", "top(168,10)"}

func TestStartupWarmsStaticSet(t *testing.T) {
	warmer := &fakeWarmer{}
	p := newTestPrewarmer(warmer, &fakeHotKeys{})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	if len(warmer.calls) != len(staticCalls) {
		t.Fatalf("got %d warm-ups, want %d", len(warmer.calls), len(staticCalls))
	}
	for i, want := range staticCalls {
		if warmer.calls[i] != want {
			t.Errorf("call %d = %s, want %s", i, warmer.calls[i], want)
		}
	}
}

func TestStartupDisabledSkipsWarmup(t *testing.T) {
	warmer := &fakeWarmer{}
	p := newTestPrewarmer(warmer, &fakeHotKeys{})
	p.onStartup = false

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(warmer.calls) != 0 {
		t.Errorf("disabled startup still warmed %d entries", len(warmer.calls))
	}
}

func TestStartupFailuresAreNotFatal(t *testing.T) {
	warmer := &fakeWarmer{err: errors.New("query failed")}
	p := newTestPrewarmer(warmer, &fakeHotKeys{})

	if err := p.Start(context.Background()); err != nil {
		t.Errorf("warm-up failure surfaced from Start: %v", err)
	}
}

func TestCycleWarmsHotKeysBeforeStaticSet(t *testing.T) {
	warmer := &fakeWarmer{}
	hot := &fakeHotKeys{keys: []string{"usage:daily:14", "usage:top:48:5"}}
	p := newTestPrewarmer(warmer, hot)

	p.cycle()

	want := append([]string{"daily(14)", "top(48,5)"}, staticCalls...)
	if len(warmer.calls) != len(want) {
		t.Fatalf("got %d warm-ups, want %d", len(warmer.calls), len(want))
	}
	for i, w := range want {
		if warmer.calls[i] != w {
			t.Errorf("call %d = %s, want %s", i, warmer.calls[i], w)
		}
	}
}

func TestCycleSkipsUnparseableHotKeys(t *testing.T) {
	warmer := &fakeWarmer{}
	hot := &fakeHotKeys{keys: []string{"usage:hourly:3", "garbage"}}
	p := newTestPrewarmer(warmer, hot)

	p.cycle()

	if len(warmer.calls) != len(staticCalls) {
		t.Errorf("unparseable keys triggered warm-ups: %v", warmer.calls)
	}
}

func TestCycleHotKeyScanFailureStillWarmsStaticSet(t *testing.T) {
	warmer := &fakeWarmer{}
	hot := &fakeHotKeys{err: errors.New("connection refused")}
	p := newTestPrewarmer(warmer, hot)

	p.cycle()

	if len(warmer.calls) != len(staticCalls) {
		t.Errorf("static set skipped after scan failure: %v", warmer.calls)
	}
}

func TestOverlappingCyclesAreDropped(t *testing.T) {
	warmer := &fakeWarmer{}
	p := newTestPrewarmer(warmer, &fakeHotKeys{})

	p.running.Store(true)
	p.cycle()

	if len(warmer.calls) != 0 {
		t.Errorf("overlapping cycle ran %d warm-ups", len(warmer.calls))
	}
}
