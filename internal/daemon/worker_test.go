package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/utilitywarehouse/ghfs/internal/cache"
	"github.com/utilitywarehouse/ghfs/internal/gitrepo"
	"github.com/utilitywarehouse/ghfs/internal/state"
)

// fakeSyncer counts cache operations and returns canned results.
type fakeSyncer struct {
	ensureCount atomic.Int64
	forceCount  atomic.Int64
	ref         cache.GenerationRef
	refreshed   bool
	err         error
}

func (f *fakeSyncer) EnsureCurrentWithStatus(ctx context.Context, key cache.RepoKey) (cache.GenerationRef, bool, error) {
	f.ensureCount.Add(1)
	return f.ref, f.refreshed, f.err
}

func (f *fakeSyncer) ForceRefresh(ctx context.Context, key cache.RepoKey) (cache.GenerationRef, error) {
	f.forceCount.Add(1)
	return f.ref, f.err
}

func (f *fakeSyncer) Unshallow(ctx context.Context, key cache.RepoKey) (cache.GenerationRef, error) {
	return f.ref, f.err
}

func (f *fakeSyncer) Reshallow(ctx context.Context, key cache.RepoKey) (cache.GenerationRef, error) {
	return f.ref, f.err
}

func mustKey(t *testing.T, s string) cache.RepoKey {
	t.Helper()
	key, err := cache.ParseRepoKey(s)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func newTestNegativeCache() *cache.NegativeCache {
	neg := cache.NewNegativeCache(nil)
	// keep existence probes off the network in tests
	neg.SetAPIBaseURL("http://127.0.0.1:1")
	return neg
}

func newTestWorker(t *testing.T, syncer *fakeSyncer, st *state.State) *Worker {
	t.Helper()
	w := NewWorker(syncer, st, newTestNegativeCache(), nil)
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func testRef() cache.GenerationRef {
	return cache.GenerationRef{
		Path:       "/cache/worktrees/octocat/hello-world/gen-000001",
		Generation: 1,
		Commit:     "7fd1a60b01f91b314f59955a4e4d4e80d8edf11d",
	}
}

func TestMaterializeReturnsRef(t *testing.T) {
	syncer := &fakeSyncer{ref: testRef(), refreshed: true}
	w := newTestWorker(t, syncer, nil)

	ref, err := w.Materialize(mustKey(t, "octocat/hello-world"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref != testRef() {
		t.Errorf("ref = %+v, want %+v", ref, testRef())
	}
	if syncer.ensureCount.Load() != 1 {
		t.Errorf("ensure count = %d, want 1", syncer.ensureCount.Load())
	}
}

func TestMaterializeRecordsSyncWhenRefreshed(t *testing.T) {
	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	syncer := &fakeSyncer{ref: testRef(), refreshed: true}
	w := newTestWorker(t, syncer, st)

	if _, err := w.Materialize(mustKey(t, "octocat/hello-world")); err != nil {
		t.Fatal(err)
	}

	r, err := st.GetOrCreateRepo("octocat", "hello-world")
	if err != nil {
		t.Fatal(err)
	}
	if !r.LastSyncAt.Valid {
		t.Error("refreshed materialize should record a sync")
	}
	if !r.LastAccessAt.Valid {
		t.Error("materialize should record an access")
	}
}

func TestMaterializeDoesNotRecordSyncWhenSuppressed(t *testing.T) {
	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	// refreshed=false models a fresh current or a suppressed failed refresh
	syncer := &fakeSyncer{ref: testRef(), refreshed: false}
	w := newTestWorker(t, syncer, st)

	if _, err := w.Materialize(mustKey(t, "octocat/hello-world")); err != nil {
		t.Fatal(err)
	}

	r, err := st.GetOrCreateRepo("octocat", "hello-world")
	if err != nil {
		t.Fatal(err)
	}
	if r.LastSyncAt.Valid {
		t.Error("a sync that did not happen must not be recorded")
	}
}

func TestSyncUsesForceRefresh(t *testing.T) {
	syncer := &fakeSyncer{ref: testRef()}
	w := newTestWorker(t, syncer, nil)

	if _, err := w.Sync(mustKey(t, "octocat/hello-world")); err != nil {
		t.Fatal(err)
	}
	if syncer.forceCount.Load() != 1 {
		t.Errorf("force count = %d, want 1", syncer.forceCount.Load())
	}
}

func TestBackgroundRefreshIsProcessed(t *testing.T) {
	syncer := &fakeSyncer{ref: testRef(), refreshed: true}
	w := newTestWorker(t, syncer, nil)

	w.Refresh(mustKey(t, "octocat/hello-world"))

	deadline := time.Now().Add(2 * time.Second)
	for syncer.ensureCount.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("background refresh was never processed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMaterializeErrorPropagates(t *testing.T) {
	wantErr := fmt.Errorf("%w: boom", gitrepo.ErrFetch)
	syncer := &fakeSyncer{err: wantErr}
	w := newTestWorker(t, syncer, nil)

	_, err := w.Materialize(mustKey(t, "octocat/hello-world"))
	if !errors.Is(err, gitrepo.ErrFetch) {
		t.Errorf("err = %v, want wrapped ErrFetch", err)
	}
}

func TestStoppedWorkerRefusesCalls(t *testing.T) {
	syncer := &fakeSyncer{ref: testRef()}
	w := NewWorker(syncer, nil, newTestNegativeCache(), nil)
	w.Start()
	w.Stop()

	if _, err := w.Materialize(mustKey(t, "octocat/hello-world")); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("err = %v, want ErrWorkerStopped", err)
	}
}
