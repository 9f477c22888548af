// Package registry tracks in-flight sandbox executions so they can be listed
// and killed. It is process local and in memory: executions started by a
// process that crashed are invisible here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidID  = errors.New("not a sandbox execution id")
	ErrNotRunning = errors.New("no running execution with that id")
	ErrDuplicate  = errors.New("execution already registered")
)

// SnippetLimit bounds the source kept per entry for introspection.
const SnippetLimit = 500

var (
	execIDPattern = regexp.MustCompile(`_[0-9a-f]{8}$`)
	bareIDPattern = regexp.MustCompile(`^[0-9a-f]{8}$`)
)

// Entry describes one running execution.
type Entry struct {
	ExecID        string    `json:"exec_id"`
	ContainerName string    `json:"container_name"`
	Session       string    `json:"session"`
	Language      string    `json:"language"`
	Filename      string    `json:"file_name"`
	StartedAt     time.Time `json:"started_at"`
	Snippet       string    `json:"snippet"`
}

// Snippet truncates source to SnippetLimit characters, marking the cut.
func Snippet(source string) string {
	r := []rune(source)
	if len(r) <= SnippetLimit {
		return source
	}
	return string(r[:SnippetLimit]) + "..."
}

// Stopper force-stops a container by name.
type Stopper interface {
	Kill(ctx context.Context, name string) error
}

// Registry is safe for concurrent use.
type Registry struct {
	prefixes []string

	mu      sync.Mutex
	entries map[string]Entry        // keyed by container name
	kills   map[string]*pendingKill // keyed by container name
}

// pendingKill records a Kill call. ok is written once before done closes.
type pendingKill struct {
	done chan struct{}
	ok   bool
}

// New returns a registry that accepts container names starting with one of
// prefixes followed by an 8 hex character execution id.
func New(prefixes ...string) *Registry {
	return &Registry{
		prefixes: prefixes,
		entries:  make(map[string]Entry),
		kills:    make(map[string]*pendingKill),
	}
}

// ValidName reports whether name follows the container naming convention.
func (r *Registry) ValidName(name string) bool {
	if !execIDPattern.MatchString(name) {
		return false
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(name, p+"_") {
			return true
		}
	}
	return false
}

// Register adds e. The container name must follow the naming convention and
// must not already be registered.
func (r *Registry) Register(e Entry) error {
	if !r.ValidName(e.ContainerName) {
		return fmt.Errorf("%w: %q", ErrInvalidID, e.ContainerName)
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	e.Snippet = Snippet(e.Snippet)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ContainerName]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, e.ContainerName)
	}
	r.entries[e.ContainerName] = e
	return nil
}

// Deregister removes the entry for name and reports whether it was present.
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	delete(r.kills, name)
	return ok
}

// Contains reports whether name is registered.
func (r *Registry) Contains(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	return ok
}

// Get returns the entry registered under a container name or a bare
// execution id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(id)
}

func (r *Registry) lookup(id string) (Entry, bool) {
	if e, ok := r.entries[id]; ok {
		return e, true
	}
	for _, e := range r.entries {
		if e.ExecID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// List returns entries for session (all entries when session is empty),
// oldest first.
func (r *Registry) List(session string) []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if session == "" || e.Session == session {
			out = append(out, e)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ContainerName < out[j].ContainerName
	})
	return out
}

// Len returns the number of registered executions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Kill force-stops a registered execution. id is a container name or its
// execution id; either way it must resolve to a registered entry whose name
// follows the convention. The entry is removed whatever the stop outcome,
// and Kill does not wait for the container to exit.
func (r *Registry) Kill(ctx context.Context, id string, stopper Stopper) (Entry, error) {
	if !r.ValidName(id) && !bareIDPattern.MatchString(id) {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	r.mu.Lock()
	e, ok := r.lookup(id)
	pk := &pendingKill{done: make(chan struct{})}
	if ok {
		delete(r.entries, e.ContainerName)
		r.kills[e.ContainerName] = pk
	}
	r.mu.Unlock()
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotRunning, id)
	}

	err := stopper.Kill(ctx, e.ContainerName)
	pk.ok = err == nil
	close(pk.done)
	return e, err
}

// Killed reports whether a Kill call stopped name. It waits for a stop that
// is still in flight, giving up with false when ctx ends first. A failed stop
// leaves the execution unkilled.
func (r *Registry) Killed(ctx context.Context, name string) bool {
	r.mu.Lock()
	pk := r.kills[name]
	r.mu.Unlock()
	if pk == nil {
		return false
	}
	select {
	case <-pk.done:
		return pk.ok
	case <-ctx.Done():
		return false
	}
}
