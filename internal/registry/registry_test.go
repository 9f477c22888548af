package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeStopper struct {
	mu     sync.Mutex
	killed []string
	err    error
}

func (f *fakeStopper) Kill(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, name)
	return f.err
}

func newRegistry() *Registry {
	return New("code_runner", "direct_execution")
}

func entry(session, id string, started time.Time) Entry {
	return Entry{
		ExecID:        id,
		ContainerName: "code_runner_python_" + id,
		Session:       session,
		Language:      "python",
		Filename:      "main.py",
		StartedAt:     started,
		Snippet:       "print(1)",
	}
}

func TestValidName(t *testing.T) {
	r := newRegistry()
	tests := map[string]bool{
		"code_runner_python_deadbeef":     true,
		"code_runner_javascript_0123abcd": true,
		"direct_execution_0123abcd":       true,
		"code_runner_python_DEADBEEF":     false,
		"code_runner_python_dead":         false,
		"sandbox-deadbeef":                false,
		"other_python_deadbeef":           false,
		"":                                false,
	}
	for name, want := range tests {
		if got := r.ValidName(name); got != want {
			t.Errorf("ValidName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestRegisterDeregister(t *testing.T) {
	r := newRegistry()
	e := entry("demo", "aaaaaaaa", time.Now())

	if err := r.Register(e); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	if err := r.Register(e); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate Register() = %v, want ErrDuplicate", err)
	}
	if !r.Contains(e.ContainerName) || r.Len() != 1 {
		t.Fatal("entry not tracked")
	}
	if !r.Deregister(e.ContainerName) {
		t.Error("Deregister() = false, want true")
	}
	if r.Deregister(e.ContainerName) {
		t.Error("second Deregister() = true, want false")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegister_InvalidName(t *testing.T) {
	r := newRegistry()
	e := entry("demo", "aaaaaaaa", time.Now())
	e.ContainerName = "rogue"
	if err := r.Register(e); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Register() = %v, want ErrInvalidID", err)
	}
}

func TestRegister_TruncatesSnippet(t *testing.T) {
	r := newRegistry()
	e := entry("demo", "aaaaaaaa", time.Now())
	e.Snippet = strings.Repeat("x", 600)
	_ = r.Register(e)

	got, ok := r.Get("aaaaaaaa")
	if !ok {
		t.Fatal("Get() by exec id failed")
	}
	if len(got.Snippet) != SnippetLimit+3 || !strings.HasSuffix(got.Snippet, "...") {
		t.Errorf("snippet len = %d", len(got.Snippet))
	}
}

func TestList_FilterAndOrder(t *testing.T) {
	r := newRegistry()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = r.Register(entry("b", "bbbbbbbb", base.Add(2*time.Second)))
	_ = r.Register(entry("a", "aaaaaaaa", base.Add(time.Second)))
	_ = r.Register(entry("a", "cccccccc", base.Add(3*time.Second)))

	all := r.List("")
	if len(all) != 3 {
		t.Fatalf("List() len = %d, want 3", len(all))
	}
	if all[0].ExecID != "aaaaaaaa" || all[1].ExecID != "bbbbbbbb" || all[2].ExecID != "cccccccc" {
		t.Errorf("List() order = %v, %v, %v", all[0].ExecID, all[1].ExecID, all[2].ExecID)
	}

	onlyA := r.List("a")
	if len(onlyA) != 2 {
		t.Errorf("List(a) len = %d, want 2", len(onlyA))
	}
	if got := r.List("missing"); len(got) != 0 {
		t.Errorf("List(missing) = %v", got)
	}
}

func TestKill(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		stopErr    error
		wantErr    error
		wantKilled bool
	}{
		{"by container name", "code_runner_python_aaaaaaaa", nil, nil, true},
		{"by exec id", "aaaaaaaa", nil, nil, true},
		{"not registered", "code_runner_python_bbbbbbbb", nil, ErrNotRunning, false},
		{"bad convention", "postgres", nil, ErrInvalidID, false},
		{"foreign container", "web_python_aaaaaaaa", nil, ErrInvalidID, false},
		{"stop fails", "aaaaaaaa", errors.New("daemon gone"), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRegistry()
			_ = r.Register(entry("demo", "aaaaaaaa", time.Now()))
			stopper := &fakeStopper{err: tt.stopErr}

			_, err := r.Kill(context.Background(), tt.id, stopper)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Kill() = %v, want %v", err, tt.wantErr)
				}
			} else if tt.stopErr != nil {
				if !errors.Is(err, tt.stopErr) {
					t.Fatalf("Kill() = %v, want stop error", err)
				}
			} else if err != nil {
				t.Fatalf("Kill() = %v", err)
			}

			if tt.wantKilled {
				if len(stopper.killed) != 1 || stopper.killed[0] != "code_runner_python_aaaaaaaa" {
					t.Errorf("stopper called with %v", stopper.killed)
				}
				if r.Contains("code_runner_python_aaaaaaaa") {
					t.Error("entry should be removed after kill")
				}
			} else if len(stopper.killed) != 0 {
				t.Errorf("stopper should not be called, got %v", stopper.killed)
			}

			wantMarked := tt.wantKilled && tt.stopErr == nil
			if got := r.Killed(context.Background(), "code_runner_python_aaaaaaaa"); got != wantMarked {
				t.Errorf("Killed() = %v, want %v", got, wantMarked)
			}
		})
	}
}

// blockingStopper holds Kill until release closes.
type blockingStopper struct {
	release chan struct{}
	err     error
}

func (b *blockingStopper) Kill(context.Context, string) error {
	<-b.release
	return b.err
}

func TestKilled_WaitsForInFlightStop(t *testing.T) {
	r := newRegistry()
	_ = r.Register(entry("demo", "aaaaaaaa", time.Now()))
	stopper := &blockingStopper{release: make(chan struct{})}

	killDone := make(chan struct{})
	go func() {
		_, _ = r.Kill(context.Background(), "aaaaaaaa", stopper)
		close(killDone)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("entry never removed")
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if r.Killed(ctx, "code_runner_python_aaaaaaaa") {
		t.Error("Killed() = true before the stop finished")
	}

	close(stopper.release)
	<-killDone
	if !r.Killed(context.Background(), "code_runner_python_aaaaaaaa") {
		t.Error("Killed() = false after a successful stop")
	}

	r.Deregister("code_runner_python_aaaaaaaa")
	if r.Killed(context.Background(), "code_runner_python_aaaaaaaa") {
		t.Error("Deregister should clear the kill record")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := newRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("%08x", i)
			e := entry("demo", id, time.Now())
			if err := r.Register(e); err != nil {
				t.Errorf("Register(%s) = %v", id, err)
				return
			}
			_ = r.List("demo")
			r.Deregister(e.ContainerName)
		}(i)
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("Len() = %d after concurrent register/deregister", r.Len())
	}
}
