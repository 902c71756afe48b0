// Package state persists repo metadata (priorities, sync state, access
// times, sizes) in SQLite so listings and GC decisions do not have to walk
// the cache tree. The filesystem remains the source of truth: the database
// can be rebuilt from disk at any time (see Backfill).
package state

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// State manages the SQLite metadata mirror.
// A State is safe for concurrent use by multiple goroutines.
type State struct {
	db *sql.DB
}

// RepoState is one row of the repos table.
type RepoState struct {
	ID                int64
	Owner             string
	Repo              string
	Priority          int
	CurrentGeneration sql.NullInt64
	HeadCommit        sql.NullString
	LastAccessAt      sql.NullInt64
	LastSyncAt        sql.NullInt64
}

// RepoStats is RepoState with aggregated generation stats.
type RepoStats struct {
	Owner             string
	Repo              string
	Priority          int
	CurrentGeneration sql.NullInt64
	HeadCommit        sql.NullString
	LastAccessAt      sql.NullInt64
	LastSyncAt        sql.NullInt64
	GenerationCount   int64
	TotalSizeBytes    int64
}

// Open opens or creates the state database at path and initializes the
// schema.
func Open(path string) (*State, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("unable to open state db err:%w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between the worker and the control socket
	db.SetMaxOpenConns(1)

	s := &State{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) init() error {
	_, err := s.db.Exec(`
		PRAGMA foreign_keys = ON;
		CREATE TABLE IF NOT EXISTS repos (
			id INTEGER PRIMARY KEY,
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			priority INTEGER DEFAULT 0,
			current_generation INTEGER,
			head_commit TEXT,
			last_access_at INTEGER,
			last_sync_at INTEGER,
			mirror_size_bytes INTEGER DEFAULT 0,
			UNIQUE(owner, repo)
		);

		CREATE TABLE IF NOT EXISTS generations (
			id INTEGER PRIMARY KEY,
			repo_id INTEGER NOT NULL,
			generation INTEGER NOT NULL,
			commit_sha TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			UNIQUE(repo_id, generation),
			FOREIGN KEY(repo_id) REFERENCES repos(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_repos_sync ON repos(last_sync_at);
		CREATE INDEX IF NOT EXISTS idx_repos_priority ON repos(priority DESC, last_sync_at);
		CREATE INDEX IF NOT EXISTS idx_generations_repo ON generations(repo_id);
	`)
	if err != nil {
		return fmt.Errorf("unable to init state schema err:%w", err)
	}
	return nil
}

func nowUnix() int64 {
	return time.Now().Unix()
}

// GetOrCreateRepoID inserts the repo row if missing and returns its id.
func (s *State) GetOrCreateRepoID(owner, repo string) (int64, error) {
	if _, err := s.db.Exec(
		"INSERT OR IGNORE INTO repos (owner, repo) VALUES (?, ?)", owner, repo); err != nil {
		return 0, err
	}

	var id int64
	err := s.db.QueryRow(
		"SELECT id FROM repos WHERE owner = ? AND repo = ?", owner, repo).Scan(&id)
	return id, err
}

// GetOrCreateRepo inserts the repo row if missing and returns it.
func (s *State) GetOrCreateRepo(owner, repo string) (RepoState, error) {
	if _, err := s.GetOrCreateRepoID(owner, repo); err != nil {
		return RepoState{}, err
	}

	var r RepoState
	err := s.db.QueryRow(`
		SELECT id, owner, repo, priority, current_generation, head_commit, last_access_at, last_sync_at
		FROM repos WHERE owner = ? AND repo = ?`, owner, repo).
		Scan(&r.ID, &r.Owner, &r.Repo, &r.Priority, &r.CurrentGeneration, &r.HeadCommit, &r.LastAccessAt, &r.LastSyncAt)
	return r, err
}

// UpdateSync records a successful sync: generation, head commit and
// last_sync_at.
func (s *State) UpdateSync(owner, repo string, generation int64, commit string) error {
	return s.UpdateSyncAt(owner, repo, generation, commit, nowUnix())
}

// UpdateSyncAt is UpdateSync with a caller-provided timestamp, used by GC
// when reconciling from the symlink mtime.
func (s *State) UpdateSyncAt(owner, repo string, generation int64, commit string, ts int64) error {
	if _, err := s.GetOrCreateRepoID(owner, repo); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		UPDATE repos SET current_generation = ?, head_commit = ?, last_sync_at = ?
		WHERE owner = ? AND repo = ?`, generation, commit, ts, owner, repo)
	return err
}

// ClearSync drops the sync metadata of a repo whose cache entry vanished.
func (s *State) ClearSync(owner, repo string) error {
	_, err := s.db.Exec(`
		UPDATE repos SET current_generation = NULL, head_commit = NULL, last_sync_at = NULL
		WHERE owner = ? AND repo = ?`, owner, repo)
	return err
}

// TouchAccess records an access time for GC decisions.
func (s *State) TouchAccess(owner, repo string) error {
	if _, err := s.GetOrCreateRepoID(owner, repo); err != nil {
		return err
	}
	_, err := s.db.Exec(
		"UPDATE repos SET last_access_at = ? WHERE owner = ? AND repo = ?",
		nowUnix(), owner, repo)
	return err
}

// SetPriority sets a repo's refresh priority. 0 = normal, higher = more
// important.
func (s *State) SetPriority(owner, repo string, priority int) error {
	if _, err := s.GetOrCreateRepoID(owner, repo); err != nil {
		return err
	}
	_, err := s.db.Exec(
		"UPDATE repos SET priority = ? WHERE owner = ? AND repo = ?",
		priority, owner, repo)
	return err
}

// RecordGeneration records one materialized generation.
func (s *State) RecordGeneration(owner, repo string, generation int64, commit string, sizeBytes int64) error {
	repoID, err := s.GetOrCreateRepoID(owner, repo)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO generations (repo_id, generation, commit_sha, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?)`, repoID, generation, commit, sizeBytes, nowUnix())
	return err
}

// DeleteGenerationsExcept removes generation rows not named in keep,
// reconciling the table with what survived pruning on disk.
func (s *State) DeleteGenerationsExcept(owner, repo string, keep []int64) error {
	repoID, err := s.GetOrCreateRepoID(owner, repo)
	if err != nil {
		return err
	}

	keepSet := make(map[int64]bool, len(keep))
	for _, g := range keep {
		keepSet[g] = true
	}

	rows, err := s.db.Query("SELECT generation FROM generations WHERE repo_id = ?", repoID)
	if err != nil {
		return err
	}
	var drop []int64
	for rows.Next() {
		var g int64
		if err := rows.Scan(&g); err != nil {
			rows.Close()
			return err
		}
		if !keepSet[g] {
			drop = append(drop, g)
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, g := range drop {
		if _, err := s.db.Exec(
			"DELETE FROM generations WHERE repo_id = ? AND generation = ?", repoID, g); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMirrorSize records the on-disk size of a repo's mirror.
func (s *State) UpdateMirrorSize(owner, repo string, sizeBytes int64) error {
	if _, err := s.GetOrCreateRepoID(owner, repo); err != nil {
		return err
	}
	_, err := s.db.Exec(
		"UPDATE repos SET mirror_size_bytes = ? WHERE owner = ? AND repo = ?",
		sizeBytes, owner, repo)
	return err
}

// DeleteRepo removes a repo row (generations cascade).
func (s *State) DeleteRepo(owner, repo string) error {
	_, err := s.db.Exec("DELETE FROM repos WHERE owner = ? AND repo = ?", owner, repo)
	return err
}

const repoColumns = "id, owner, repo, priority, current_generation, head_commit, last_access_at, last_sync_at"

func scanRepos(rows *sql.Rows) ([]RepoState, error) {
	defer rows.Close()

	var out []RepoState
	for rows.Next() {
		var r RepoState
		if err := rows.Scan(&r.ID, &r.Owner, &r.Repo, &r.Priority, &r.CurrentGeneration, &r.HeadCommit, &r.LastAccessAt, &r.LastSyncAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StaleRepos returns repos whose last_sync_at is NULL or older than maxAge,
// highest priority first.
func (s *State) StaleRepos(maxAge time.Duration) ([]RepoState, error) {
	threshold := nowUnix() - int64(maxAge.Seconds())
	rows, err := s.db.Query(`
		SELECT `+repoColumns+`
		FROM repos
		WHERE last_sync_at IS NULL OR last_sync_at < ?
		ORDER BY priority DESC, COALESCE(last_sync_at, 0)`, threshold)
	if err != nil {
		return nil, err
	}
	return scanRepos(rows)
}

// ListRepos returns all repos ordered by priority then staleness.
func (s *State) ListRepos() ([]RepoState, error) {
	rows, err := s.db.Query(`
		SELECT ` + repoColumns + `
		FROM repos
		ORDER BY priority DESC, COALESCE(last_sync_at, 0)`)
	if err != nil {
		return nil, err
	}
	return scanRepos(rows)
}

// ListReposWithStats returns all repos with aggregated generation stats.
func (s *State) ListReposWithStats() ([]RepoStats, error) {
	rows, err := s.db.Query(`
		SELECT r.owner, r.repo, r.priority, r.current_generation, r.head_commit,
		       r.last_access_at, r.last_sync_at,
		       COUNT(g.id), COALESCE(SUM(g.size_bytes), 0) + r.mirror_size_bytes
		FROM repos r
		LEFT JOIN generations g ON g.repo_id = r.id
		GROUP BY r.id
		ORDER BY r.priority DESC, COALESCE(r.last_sync_at, 0)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RepoStats
	for rows.Next() {
		var r RepoStats
		if err := rows.Scan(&r.Owner, &r.Repo, &r.Priority, &r.CurrentGeneration, &r.HeadCommit,
			&r.LastAccessAt, &r.LastSyncAt, &r.GenerationCount, &r.TotalSizeBytes); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
