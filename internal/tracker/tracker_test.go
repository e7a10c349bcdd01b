package tracker

import (
	"errors"
	"strconv"
	"sync"
	"testing"

	"geotrack/internal/model"
)

func TestMachineSequence(t *testing.T) {
	var m Machine
	seq := []bool{false, true, true, false}
	want := []struct {
		emit bool
		tr   model.TransitionType
	}{
		{false, ""},
		{true, model.TransitionEntered},
		{false, ""},
		{true, model.TransitionExited},
	}
	for i, inside := range seq {
		tr, ok := m.Observe(inside)
		if ok != want[i].emit || tr != want[i].tr {
			t.Fatalf("observation %d: got (%q, %v), want (%q, %v)", i+1, tr, ok, want[i].tr, want[i].emit)
		}
	}
	if m.state != Outside {
		t.Fatalf("final state: %s", m.state)
	}
}

func TestMachineFirstObservationInside(t *testing.T) {
	var m Machine
	if _, ok := m.Observe(true); ok {
		t.Fatalf("first observation must not emit")
	}
	if m.state != Inside {
		t.Fatalf("expected inside, got %s", m.state)
	}
}

func TestReplay(t *testing.T) {
	var m Machine
	steps := m.Replay([]bool{false, true, true, false})
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].Index != 1 || steps[0].Type != model.TransitionEntered {
		t.Fatalf("step 0: %+v", steps[0])
	}
	if steps[1].Index != 3 || steps[1].Type != model.TransitionExited {
		t.Fatalf("step 1: %+v", steps[1])
	}
	var empty Machine
	if len(empty.Replay(nil)) != 0 {
		t.Fatalf("empty replay must not emit")
	}
}

func TestReplaySeededMachine(t *testing.T) {
	var m Machine
	m.Observe(false)
	steps := m.Replay([]bool{true, true})
	if len(steps) != 1 || steps[0].Index != 0 || steps[0].Type != model.TransitionEntered {
		t.Fatalf("seeded replay should report a crossing at the first row: %+v", steps)
	}
	if m.state != Inside {
		t.Fatalf("replay must advance the machine, got %s", m.state)
	}
}

func TestTrackerPerDevice(t *testing.T) {
	tr := New()
	if _, ok, _ := tr.Observe("a", false, nil); ok {
		t.Fatalf("unexpected event for first observation")
	}
	if _, ok, _ := tr.Observe("b", true, nil); ok {
		t.Fatalf("devices must be independent")
	}
	typ, ok, err := tr.Observe("a", true, nil)
	if err != nil || !ok || typ != model.TransitionEntered {
		t.Fatalf("expected entered, got %q %v %v", typ, ok, err)
	}
	if tr.State("b") != Inside || tr.State("a") != Inside {
		t.Fatalf("unexpected states a=%s b=%s", tr.State("a"), tr.State("b"))
	}
	if tr.State("missing") != Unknown {
		t.Fatalf("unseen device must be unknown")
	}
	if tr.Len() != 2 {
		t.Fatalf("expected 2 devices, got %d", tr.Len())
	}
	tr.Reset()
	if tr.Len() != 0 || tr.State("a") != Unknown {
		t.Fatalf("reset must forget devices")
	}
}

func TestTrackerPersistFailureKeepsState(t *testing.T) {
	tr := New()
	_, _, _ = tr.Observe("dev", false, nil)
	boom := errors.New("disk full")
	var calls int
	_, ok, err := tr.Observe("dev", true, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || ok {
		t.Fatalf("expected persist error, got ok=%v err=%v", ok, err)
	}
	if calls != 1 {
		t.Fatalf("persist should run once, ran %d times", calls)
	}
	if tr.State("dev") != Outside {
		t.Fatalf("state must not change on persist failure, got %s", tr.State("dev"))
	}
	if _, ok, _ := tr.Observe("dev", true, nil); !ok {
		t.Fatalf("transition should fire once persisted")
	}
}

func TestTrackerConcurrentDevices(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	counts := make([]int, 20)
	for d := 0; d < 20; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			id := "dev-" + strconv.Itoa(d)
			for i := 0; i < 100; i++ {
				if _, ok, _ := tr.Observe(id, i%2 == 0, nil); ok {
					counts[d]++
				}
			}
		}(d)
	}
	wg.Wait()
	for d, c := range counts {
		if c != 99 {
			t.Fatalf("device %d: expected 99 transitions, got %d", d, c)
		}
	}
}
