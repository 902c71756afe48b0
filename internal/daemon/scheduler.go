package daemon

import (
	"log/slog"
	"time"

	"github.com/utilitywarehouse/ghfs/internal/cache"
	"github.com/utilitywarehouse/ghfs/internal/state"
)

const (
	// defaultCheckInterval is how often the scheduler scans for stale repos.
	defaultCheckInterval = 5 * time.Minute
)

// Scheduler periodically lists stale repos from the state mirror and
// enqueues background refreshes on the worker.
type Scheduler struct {
	state    *state.State
	worker   *Worker
	interval time.Duration
	maxAge   time.Duration
	log      *slog.Logger

	stop    chan struct{}
	stopped chan struct{}
}

// NewScheduler creates a scheduler. maxAge should match the cache's
// staleness window so the scheduler and the read path agree on freshness.
func NewScheduler(st *state.State, worker *Worker, interval, maxAge time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if maxAge <= 0 {
		maxAge = cache.DefaultMaxAge
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		state:    st,
		worker:   worker,
		interval: interval,
		maxAge:   maxAge,
		log:      log,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the scheduler goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop shuts the scheduler down.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.stopped
}

func (s *Scheduler) run() {
	s.log.Info("scheduler started", "interval", s.interval, "max-age", s.maxAge)
	defer close(s.stopped)

	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-s.stop:
			s.log.Info("scheduler stopping")
			return
		case <-t.C:
			s.checkAndRefresh()
		}
	}
}

func (s *Scheduler) checkAndRefresh() {
	s.log.Debug("checking for stale repos")

	repos, err := s.state.StaleRepos(s.maxAge)
	if err != nil {
		s.log.Warn("failed to list stale repos", "err", err)
		return
	}

	for _, repo := range repos {
		key, err := cache.ParseRepoKey(repo.Owner + "/" + repo.Repo)
		if err != nil {
			s.log.Warn("invalid repo key in database", "owner", repo.Owner, "repo", repo.Repo, "err", err)
			continue
		}

		s.log.Info("scheduling background refresh", "repo", key)
		s.worker.Refresh(key)
	}
}
