package state

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/utilitywarehouse/ghfs/internal/cache"
	"github.com/utilitywarehouse/ghfs/internal/gitrepo"
)

// Backfill scans the cache tree and repopulates repo and generation rows,
// so a lost or deleted database can be rebuilt from disk. Entries that fail
// owner/repo validation are skipped.
func Backfill(s *State, layout cache.Layout, log *slog.Logger) {
	owners, err := os.ReadDir(layout.WorktreesDir())
	if err != nil {
		log.Warn("backfill skipped: cannot read worktrees dir", "err", err)
		return
	}

	for _, ownerEntry := range owners {
		if !ownerEntry.IsDir() || !cache.IsValidOwner(ownerEntry.Name()) {
			continue
		}

		repos, err := os.ReadDir(filepath.Join(layout.WorktreesDir(), ownerEntry.Name()))
		if err != nil {
			continue
		}

		for _, repoEntry := range repos {
			if !repoEntry.IsDir() || !cache.IsValidRepo(repoEntry.Name()) {
				continue
			}

			owner, repo := ownerEntry.Name(), repoEntry.Name()
			if _, err := s.GetOrCreateRepoID(owner, repo); err != nil {
				log.Warn("backfill: failed to create repo row", "owner", owner, "repo", repo, "err", err)
				continue
			}

			backfillGenerations(s, filepath.Join(layout.WorktreesDir(), owner, repo), owner, repo, log)
		}
	}
}

func backfillGenerations(s *State, repoDir, owner, repo string, log *slog.Logger) {
	entries, err := os.ReadDir(repoDir)
	if err != nil {
		return
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		gen, ok := cache.ParseGenerationDirName(e.Name())
		if !ok {
			continue
		}

		genPath := filepath.Join(repoDir, e.Name())
		commit, err := gitrepo.HeadCommit(genPath)
		if err != nil {
			log.Warn("backfill: unreadable generation HEAD", "path", genPath, "err", err)
			continue
		}

		if err := s.RecordGeneration(owner, repo, int64(gen), commit, dirSize(genPath)); err != nil {
			log.Warn("backfill: failed to record generation", "path", genPath, "err", err)
		}
	}
}

// dirSize walks path summing regular file sizes. Best effort; unreadable
// entries count as zero.
func dirSize(path string) int64 {
	var total int64
	filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}
