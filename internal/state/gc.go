package state

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/utilitywarehouse/ghfs/internal/cache"
	"github.com/utilitywarehouse/ghfs/internal/gitrepo"
	"github.com/utilitywarehouse/ghfs/internal/utils"
)

// GCStats summarises one reconciliation pass.
type GCStats struct {
	ReposScanned int64
	ReposRemoved int64
	SyncResets   int64
}

// RunGC reconciles the database with the cache tree: backfills anything on
// disk the database lost, drops generation rows whose directories were
// pruned, refreshes sync metadata from "current", and removes rows for
// repos that no longer exist on disk.
func RunGC(s *State, layout cache.Layout, log *slog.Logger) GCStats {
	Backfill(s, layout, log)

	repos, err := s.ListRepos()
	if err != nil {
		log.Warn("gc: failed to list repos", "err", err)
		return GCStats{}
	}

	stats := GCStats{ReposScanned: int64(len(repos))}

	for _, repo := range repos {
		key, err := cache.ParseRepoKey(repo.Owner + "/" + repo.Repo)
		if err != nil {
			log.Warn("gc: invalid repo key in database", "owner", repo.Owner, "repo", repo.Repo, "err", err)
			continue
		}

		worktreeBase := layout.WorktreeBase(key)
		mirrorDir := layout.MirrorDir(key)

		if err := s.DeleteGenerationsExcept(repo.Owner, repo.Repo, existingGenerations(worktreeBase)); err != nil {
			log.Warn("gc: failed to reconcile generation rows", "repo", key, "err", err)
		}

		if err := s.UpdateMirrorSize(repo.Owner, repo.Repo, dirSize(mirrorDir)); err != nil {
			log.Warn("gc: failed to update mirror size", "repo", key, "err", err)
		}

		if gen, commit, syncAt, ok := readCurrentSync(layout.CurrentSymlink(key)); ok {
			if err := s.UpdateSyncAt(repo.Owner, repo.Repo, gen, commit, syncAt); err != nil {
				log.Warn("gc: failed to update sync metadata", "repo", key, "err", err)
			}
		} else if repo.CurrentGeneration.Valid || repo.HeadCommit.Valid || repo.LastSyncAt.Valid {
			if err := s.ClearSync(repo.Owner, repo.Repo); err != nil {
				log.Warn("gc: failed to clear stale sync metadata", "repo", key, "err", err)
			} else {
				stats.SyncResets++
			}
		}

		_, wtErr := os.Stat(worktreeBase)
		_, mErr := os.Stat(mirrorDir)
		if os.IsNotExist(wtErr) && os.IsNotExist(mErr) {
			if err := s.DeleteRepo(repo.Owner, repo.Repo); err != nil {
				log.Warn("gc: failed to remove orphaned repo row", "repo", key, "err", err)
			} else {
				stats.ReposRemoved++
			}
		}
	}

	return stats
}

func existingGenerations(worktreeBase string) []int64 {
	var gens []int64
	entries, err := os.ReadDir(worktreeBase)
	if err != nil {
		return gens
	}
	for _, e := range entries {
		if gen, ok := cache.ParseGenerationDirName(e.Name()); ok {
			gens = append(gens, int64(gen))
		}
	}
	return gens
}

// readCurrentSync resolves "current" into (generation, commit, mtime). The
// symlink mtime is the staleness clock, so it doubles as the last sync time.
func readCurrentSync(currentLink string) (int64, string, int64, bool) {
	fi, err := os.Lstat(currentLink)
	if err != nil {
		return 0, "", 0, false
	}

	target, err := utils.ReadAbsLink(currentLink)
	if err != nil || target == "" {
		return 0, "", 0, false
	}

	gen, ok := cache.ParseGenerationDirName(filepath.Base(target))
	if !ok {
		return 0, "", 0, false
	}

	commit, err := gitrepo.HeadCommit(target)
	if err != nil {
		return 0, "", 0, false
	}

	return int64(gen), commit, fi.ModTime().Unix(), true
}
