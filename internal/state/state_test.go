package state

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateRepoIsIdempotent(t *testing.T) {
	s := newTestState(t)

	r1, err := s.GetOrCreateRepo("octocat", "hello-world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := s.GetOrCreateRepo("octocat", "hello-world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r1.ID != r2.ID {
		t.Errorf("ids differ: %d vs %d", r1.ID, r2.ID)
	}
	if r1.Owner != "octocat" || r1.Repo != "hello-world" {
		t.Errorf("unexpected row: %+v", r1)
	}
}

func TestUpdateSyncRoundTrip(t *testing.T) {
	s := newTestState(t)

	sha := "7fd1a60b01f91b314f59955a4e4d4e80d8edf11d"
	if err := s.UpdateSync("octocat", "hello-world", 3, sha); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r, err := s.GetOrCreateRepo("octocat", "hello-world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.CurrentGeneration.Valid || r.CurrentGeneration.Int64 != 3 {
		t.Errorf("generation = %+v, want 3", r.CurrentGeneration)
	}
	if !r.HeadCommit.Valid || r.HeadCommit.String != sha {
		t.Errorf("commit = %+v, want %s", r.HeadCommit, sha)
	}
	if !r.LastSyncAt.Valid {
		t.Error("last_sync_at should be set")
	}
}

func TestClearSync(t *testing.T) {
	s := newTestState(t)

	if err := s.UpdateSync("octocat", "hello-world", 1, "abc"); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearSync("octocat", "hello-world"); err != nil {
		t.Fatal(err)
	}

	r, err := s.GetOrCreateRepo("octocat", "hello-world")
	if err != nil {
		t.Fatal(err)
	}
	if r.CurrentGeneration.Valid || r.HeadCommit.Valid || r.LastSyncAt.Valid {
		t.Errorf("sync metadata should be cleared: %+v", r)
	}
}

func TestTouchAccess(t *testing.T) {
	s := newTestState(t)

	if err := s.TouchAccess("octocat", "hello-world"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r, err := s.GetOrCreateRepo("octocat", "hello-world")
	if err != nil {
		t.Fatal(err)
	}
	if !r.LastAccessAt.Valid {
		t.Error("last_access_at should be set")
	}
}

func TestStaleReposOrderingAndThreshold(t *testing.T) {
	s := newTestState(t)

	now := time.Now().Unix()

	// never synced -> stale
	if _, err := s.GetOrCreateRepo("octocat", "never-synced"); err != nil {
		t.Fatal(err)
	}
	// synced long ago -> stale
	if err := s.UpdateSyncAt("octocat", "old", 1, "abc", now-7200); err != nil {
		t.Fatal(err)
	}
	// freshly synced -> not stale
	if err := s.UpdateSyncAt("octocat", "fresh", 1, "def", now); err != nil {
		t.Fatal(err)
	}
	// stale but high priority -> first
	if err := s.UpdateSyncAt("octocat", "important", 1, "ghi", now-7200); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPriority("octocat", "important", 10); err != nil {
		t.Fatal(err)
	}

	stale, err := s.StaleRepos(time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var names []string
	for _, r := range stale {
		names = append(names, r.Repo)
	}
	if len(names) != 3 {
		t.Fatalf("stale repos = %v, want 3 entries", names)
	}
	if names[0] != "important" {
		t.Errorf("highest priority should come first, got %v", names)
	}
	for _, n := range names {
		if n == "fresh" {
			t.Error("fresh repo should not be stale")
		}
	}
}

func TestGenerationBookkeeping(t *testing.T) {
	s := newTestState(t)

	for gen := int64(1); gen <= 3; gen++ {
		if err := s.RecordGeneration("octocat", "hello-world", gen, "abc", 100); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if err := s.DeleteGenerationsExcept("octocat", "hello-world", []int64{2, 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := s.ListReposWithStats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats = %v, want 1 repo", stats)
	}
	if stats[0].GenerationCount != 2 {
		t.Errorf("generation count = %d, want 2", stats[0].GenerationCount)
	}
}

func TestDeleteRepoCascades(t *testing.T) {
	s := newTestState(t)

	if err := s.RecordGeneration("octocat", "hello-world", 1, "abc", 100); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRepo("octocat", "hello-world"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	repos, err := s.ListRepos()
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 0 {
		t.Errorf("repos = %v, want empty", repos)
	}
}
