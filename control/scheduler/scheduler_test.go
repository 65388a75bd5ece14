package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func every(d time.Duration, log *[]string, tag string) TaskFunc {
	return func(now time.Duration) Result {
		*log = append(*log, tag)
		return After(now, d)
	}
}

func TestTickOrder(t *testing.T) {
	s := New(4)
	var got []string
	s.MustRegister("a", 0, every(time.Second, &got, "a"))
	s.MustRegister("b", 2*time.Second, every(time.Second, &got, "b"))
	s.MustRegister("c", 0, every(time.Second, &got, "c"))

	if n := s.Tick(0); n != 2 {
		t.Errorf("tasks run at t=0:\n  got: %v\n want: %v", n, 2)
	}
	s.Tick(500 * time.Millisecond)
	s.Tick(2 * time.Second)
	want := []string{"a", "c", "a", "b", "c"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("invocation order (-want +got):\n%s", diff)
	}
}

func TestCancel(t *testing.T) {
	s := New(2)
	var runs int
	h := s.MustRegister("once", time.Second, func(now time.Duration) Result {
		runs++
		return Cancel()
	})
	s.Tick(0)
	if got, want := runs, 0; got != want {
		t.Errorf("runs before due:\n  got: %v\n want: %v", got, want)
	}
	s.Tick(time.Second)
	s.Tick(2 * time.Second)
	if got, want := runs, 1; got != want {
		t.Errorf("runs after cancel:\n  got: %v\n want: %v", got, want)
	}
	if got, want := s.Len(), 0; got != want {
		t.Errorf("length after cancel:\n  got: %v\n want: %v", got, want)
	}
	if s.Deregister(h) {
		t.Error("deregistering a cancelled task should report false")
	}
}

func TestSelfRemovalDuringScan(t *testing.T) {
	s := New(8)
	counts := make(map[string]int)
	count := func(tag string) TaskFunc {
		return func(now time.Duration) Result {
			counts[tag]++
			return After(now, time.Second)
		}
	}
	s.MustRegister("first", 0, count("first"))
	var self Handle
	self = s.MustRegister("self", 0, func(now time.Duration) Result {
		counts["self"]++
		if !s.Deregister(self) {
			t.Error("self deregistration failed")
		}
		return After(now, time.Second)
	})
	s.MustRegister("after", 0, count("after"))
	s.MustRegister("last", 0, count("last"))

	before := s.Len()
	s.Tick(0)
	if got, want := s.Len(), before-1; got != want {
		t.Errorf("length after self removal:\n  got: %v\n want: %v", got, want)
	}
	want := map[string]int{"first": 1, "self": 1, "after": 1, "last": 1}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("invocations (-want +got):\n%s", diff)
	}

	s.Tick(time.Second)
	want = map[string]int{"first": 2, "self": 1, "after": 2, "last": 2}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("invocations on second scan (-want +got):\n%s", diff)
	}
}

func TestRemoveOtherDuringScan(t *testing.T) {
	s := New(4)
	var got []string
	var victim Handle
	s.MustRegister("killer", 0, func(now time.Duration) Result {
		got = append(got, "killer")
		s.Deregister(victim)
		return After(now, time.Second)
	})
	victim = s.MustRegister("victim", 0, every(time.Second, &got, "victim"))
	s.MustRegister("bystander", 0, every(time.Second, &got, "bystander"))

	s.Tick(0)
	if diff := cmp.Diff([]string{"killer", "bystander"}, got); diff != "" {
		t.Errorf("invocations (-want +got):\n%s", diff)
	}
}

func TestRegisterDuringScan(t *testing.T) {
	s := New(4)
	var got []string
	s.MustRegister("parent", 0, func(now time.Duration) Result {
		got = append(got, "parent")
		s.MustRegister("child", 0, every(time.Second, &got, "child"))
		return Cancel()
	})
	s.Tick(0)
	if diff := cmp.Diff([]string{"parent"}, got); diff != "" {
		t.Errorf("first scan (-want +got):\n%s", diff)
	}
	s.Tick(0)
	if diff := cmp.Diff([]string{"parent", "child"}, got); diff != "" {
		t.Errorf("second scan (-want +got):\n%s", diff)
	}
}

func TestSlotReuseAfterSelfCancel(t *testing.T) {
	s := New(1)
	var childRuns int
	s.MustRegister("parent", 0, func(now time.Duration) Result {
		return Cancel()
	})
	s.Tick(0)
	h := s.MustRegister("child", 0, func(now time.Duration) Result {
		childRuns++
		return After(now, time.Second)
	})
	s.Tick(0)
	if got, want := childRuns, 1; got != want {
		t.Errorf("child runs:\n  got: %v\n want: %v", got, want)
	}
	if due, ok := s.Due(h); !ok || due != time.Second {
		t.Errorf("child due:\n  got: %v, %v\n want: %v, true", due, ok, time.Second)
	}
}

func TestStaleHandle(t *testing.T) {
	s := New(1)
	old := s.MustRegister("old", 0, func(now time.Duration) Result { return Cancel() })
	s.Tick(0)
	fresh := s.MustRegister("fresh", 0, func(now time.Duration) Result { return After(now, time.Second) })
	if s.Deregister(old) {
		t.Error("stale handle removed a task")
	}
	if got, want := s.Len(), 1; got != want {
		t.Errorf("length:\n  got: %v\n want: %v", got, want)
	}
	if !s.Deregister(fresh) {
		t.Error("fresh handle did not remove its task")
	}
	if (Handle{}).Valid() {
		t.Error("zero handle should not be valid")
	}
}

func TestFull(t *testing.T) {
	s := New(2)
	noop := func(now time.Duration) Result { return After(now, time.Second) }
	s.MustRegister("a", 0, noop)
	s.MustRegister("b", 0, noop)
	if _, err := s.Register("c", 0, noop); !errors.Is(err, ErrFull) {
		t.Errorf("register beyond capacity:\n  got: %v\n want: %v", err, ErrFull)
	}
	defer func() {
		if recover() == nil {
			t.Error("MustRegister did not panic on a full scheduler")
		}
	}()
	s.MustRegister("d", 0, noop)
}

func TestDueIsMonotonic(t *testing.T) {
	s := New(1)
	var runs int
	h := s.MustRegister("backwards", 10*time.Second, func(now time.Duration) Result {
		runs++
		return Reschedule(time.Second)
	})
	s.Tick(10 * time.Second)
	due, _ := s.Due(h)
	if got, want := due, 10*time.Second; got != want {
		t.Errorf("due after asking to go backwards:\n  got: %v\n want: %v", got, want)
	}
	s.Tick(11 * time.Second)
	if got, want := runs, 2; got != want {
		t.Errorf("runs:\n  got: %v\n want: %v", got, want)
	}
}

func TestNextAndTasks(t *testing.T) {
	s := New(3)
	if _, ok := s.Next(); ok {
		t.Error("empty scheduler reported a next task")
	}
	noop := func(now time.Duration) Result { return After(now, time.Minute) }
	s.MustRegister("slow", time.Hour, noop)
	s.MustRegister("fast", time.Millisecond, noop)
	if next, _ := s.Next(); next != time.Millisecond {
		t.Errorf("next:\n  got: %v\n want: %v", next, time.Millisecond)
	}
	s.Tick(time.Millisecond)
	want := []TaskInfo{
		{Tag: "slow", Due: time.Hour},
		{Tag: "fast", Due: time.Minute + time.Millisecond, Runs: 1},
	}
	if diff := cmp.Diff(want, s.Tasks()); diff != "" {
		t.Errorf("tasks (-want +got):\n%s", diff)
	}
}

func TestNilTask(t *testing.T) {
	s := New(1)
	if _, err := s.Register("nil", 0, nil); err == nil {
		t.Error("expected error registering a nil task")
	}
}
