// Package daemon runs the long-lived pieces around the cache: the write-path
// worker, the staleness scheduler and the control socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/utilitywarehouse/ghfs/internal/cache"
	"github.com/utilitywarehouse/ghfs/internal/gitrepo"
	"github.com/utilitywarehouse/ghfs/internal/state"
)

var (
	ErrWorkerStopped = errors.New("worker stopped")
)

// defaultOpTimeout bounds one cache operation so a hung clone cannot wedge
// the worker forever.
const defaultOpTimeout = 10 * time.Minute

// workerQueueDepth bounds the request channel. Background refreshes are
// dropped when the queue is full; blocking calls wait for a slot.
const workerQueueDepth = 100

// Syncer is the slice of the cache the worker drives.
type Syncer interface {
	EnsureCurrentWithStatus(ctx context.Context, key cache.RepoKey) (cache.GenerationRef, bool, error)
	ForceRefresh(ctx context.Context, key cache.RepoKey) (cache.GenerationRef, error)
	Unshallow(ctx context.Context, key cache.RepoKey) (cache.GenerationRef, error)
	Reshallow(ctx context.Context, key cache.RepoKey) (cache.GenerationRef, error)
}

type opKind int

const (
	opMaterialize opKind = iota
	opRefresh
	opSync
	opUnshallow
	opReshallow
)

type result struct {
	ref cache.GenerationRef
	err error
}

type request struct {
	op    opKind
	key   cache.RepoKey
	reply chan result // nil for fire-and-forget refreshes
}

// Worker serializes all write-path cache operations onto one goroutine fed
// by a bounded queue. Filesystem upcall goroutines block on it only when a
// repo has no readable current generation.
type Worker struct {
	requests chan request
	cache    Syncer
	state    *state.State // optional
	negative *cache.NegativeCache
	timeout  time.Duration
	log      *slog.Logger

	stop    chan struct{}
	stopped chan struct{}
}

// NewWorker creates a worker. st may be nil to run without the metadata
// mirror.
func NewWorker(c Syncer, st *state.State, negative *cache.NegativeCache, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if negative == nil {
		negative = cache.NewNegativeCache(log)
	}
	return &Worker{
		requests: make(chan request, workerQueueDepth),
		cache:    c,
		state:    st,
		negative: negative,
		timeout:  defaultOpTimeout,
		log:      log,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop shuts the worker down and waits for the in-flight operation.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.stopped
}

func (w *Worker) run() {
	w.log.Info("worker started")
	defer close(w.stopped)

	for {
		select {
		case <-w.stop:
			w.log.Info("worker stopping")
			return
		case req := <-w.requests:
			w.handle(req)
		}
	}
}

func (w *Worker) handle(req request) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	switch req.op {
	case opMaterialize:
		if w.negative.Contains(req.key) {
			w.log.Debug("repo is in negative cache, skipping", "repo", req.key)
			req.reply <- result{err: fmt.Errorf("%w: %s", cache.ErrRepoNotFound, req.key)}
			return
		}

		w.touchAccess(req.key)
		ref, refreshed, err := w.cache.EnsureCurrentWithStatus(ctx, req.key)
		if err != nil {
			// clone failures for unknown repos are expected; confirm via
			// the API before caching the negative entry
			if isGitError(err) {
				w.negative.ProbeAndCache(req.key)
			}
		} else if refreshed {
			w.updateSync(req.key, ref)
		}
		req.reply <- result{ref: ref, err: err}

	case opRefresh:
		if w.negative.Contains(req.key) {
			w.log.Debug("repo is in negative cache, skipping refresh", "repo", req.key)
			return
		}
		ref, refreshed, err := w.cache.EnsureCurrentWithStatus(ctx, req.key)
		if err != nil {
			w.log.Warn("background refresh failed", "repo", req.key, "err", err)
			return
		}
		if refreshed {
			w.updateSync(req.key, ref)
		}

	case opSync:
		w.touchAccess(req.key)
		ref, err := w.cache.ForceRefresh(ctx, req.key)
		if err == nil {
			w.updateSync(req.key, ref)
		}
		req.reply <- result{ref: ref, err: err}

	case opUnshallow:
		ref, err := w.cache.Unshallow(ctx, req.key)
		if err == nil {
			w.updateSync(req.key, ref)
		}
		req.reply <- result{ref: ref, err: err}

	case opReshallow:
		ref, err := w.cache.Reshallow(ctx, req.key)
		if err == nil {
			w.updateSync(req.key, ref)
		}
		req.reply <- result{ref: ref, err: err}
	}
}

func isGitError(err error) bool {
	return errors.Is(err, gitrepo.ErrClone) ||
		errors.Is(err, gitrepo.ErrFetch) ||
		errors.Is(err, gitrepo.ErrWorktree) ||
		errors.Is(err, gitrepo.ErrParse)
}

func (w *Worker) touchAccess(key cache.RepoKey) {
	if w.state == nil {
		return
	}
	if err := w.state.TouchAccess(string(key.Owner), string(key.Repo)); err != nil {
		w.log.Warn("unable to record access", "repo", key, "err", err)
	}
}

func (w *Worker) updateSync(key cache.RepoKey, ref cache.GenerationRef) {
	if w.state == nil {
		return
	}
	if err := w.state.UpdateSync(string(key.Owner), string(key.Repo), int64(ref.Generation), ref.Commit); err != nil {
		w.log.Warn("unable to record sync", "repo", key, "err", err)
	}
	if err := w.state.RecordGeneration(string(key.Owner), string(key.Repo), int64(ref.Generation), ref.Commit, 0); err != nil {
		w.log.Warn("unable to record generation", "repo", key, "err", err)
	}
}

func (w *Worker) call(op opKind, key cache.RepoKey) (cache.GenerationRef, error) {
	reply := make(chan result, 1)
	select {
	case w.requests <- request{op: op, key: key, reply: reply}:
	case <-w.stop:
		return cache.GenerationRef{}, ErrWorkerStopped
	}

	select {
	case res := <-reply:
		return res.ref, res.err
	case <-w.stopped:
		return cache.GenerationRef{}, ErrWorkerStopped
	}
}

// Materialize blocks until the repo has a servable generation.
func (w *Worker) Materialize(key cache.RepoKey) (cache.GenerationRef, error) {
	return w.call(opMaterialize, key)
}

// Refresh enqueues a background ensure-current. Dropped silently when the
// queue is full; the staleness scheduler will retry.
func (w *Worker) Refresh(key cache.RepoKey) {
	select {
	case w.requests <- request{op: opRefresh, key: key}:
	default:
	}
}

// Sync blocks on a forced refresh.
func (w *Worker) Sync(key cache.RepoKey) (cache.GenerationRef, error) {
	return w.call(opSync, key)
}

// Unshallow blocks on a full-history conversion.
func (w *Worker) Unshallow(key cache.RepoKey) (cache.GenerationRef, error) {
	return w.call(opUnshallow, key)
}

// Reshallow blocks on a depth-1 conversion.
func (w *Worker) Reshallow(key cache.RepoKey) (cache.GenerationRef, error) {
	return w.call(opReshallow, key)
}
