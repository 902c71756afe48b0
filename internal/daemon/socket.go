package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/utilitywarehouse/ghfs/internal/cache"
	"github.com/utilitywarehouse/ghfs/internal/state"
)

// watchPriority is the priority assigned to watched repos so the scheduler
// refreshes them first.
const watchPriority = 10

// SocketServer answers control requests on a unix socket with
// line-delimited JSON.
type SocketServer struct {
	path       string
	worker     *Worker
	state      *state.State
	mountPoint string
	version    string
	startTime  time.Time
	onStop     func()
	log        *slog.Logger

	listener net.Listener
}

// NewSocketServer creates a control server listening at path. onStop is
// invoked when a stop request arrives.
func NewSocketServer(path string, worker *Worker, st *state.State, mountPoint, version string, onStop func(), log *slog.Logger) *SocketServer {
	if log == nil {
		log = slog.Default()
	}
	return &SocketServer{
		path:       path,
		worker:     worker,
		state:      st,
		mountPoint: mountPoint,
		version:    version,
		startTime:  time.Now(),
		onStop:     onStop,
		log:        log,
	}
}

// Start binds the socket and serves connections until Stop. A leftover
// socket file from a previous run is removed first.
func (s *SocketServer) Start() error {
	os.Remove(s.path)

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("unable to listen on control socket err:%w", err)
	}
	s.listener = listener

	go s.serve()
	s.log.Info("control socket listening", "path", s.path)
	return nil
}

// Stop closes the listener and removes the socket file.
func (s *SocketServer) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.path)
}

func (s *SocketServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// closed listener means shutdown
			return
		}
		go s.handleConn(conn)
	}
}

func (s *SocketServer) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(Response{Error: fmt.Sprintf("invalid request: %v", err)})
			continue
		}

		resp := s.handleRequest(req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func errorResponse(format string, args ...any) Response {
	return Response{Error: fmt.Sprintf(format, args...)}
}

func (s *SocketServer) handleRequest(req Request) Response {
	s.log.Debug("control request", "method", req.Method, "repo", req.Repo)

	switch req.Method {
	case MethodStatus:
		repoCount := 0
		if s.state != nil {
			if repos, err := s.state.ListRepos(); err == nil {
				repoCount = len(repos)
			}
		}
		return Response{OK: true, Status: &StatusResult{
			Running:    true,
			MountPoint: s.mountPoint,
			RepoCount:  repoCount,
			UptimeSecs: uint64(time.Since(s.startTime).Seconds()),
			Version:    s.version,
			PID:        os.Getpid(),
		}}

	case MethodSync:
		key, err := cache.ParseRepoKey(req.Repo)
		if err != nil {
			return errorResponse("invalid repo: %v", err)
		}
		ref, err := s.worker.Sync(key)
		if err != nil {
			return errorResponse("sync failed: %v", err)
		}
		return Response{OK: true, Sync: &SyncResult{Generation: int64(ref.Generation), Commit: ref.Commit}}

	case MethodUnshallow:
		key, err := cache.ParseRepoKey(req.Repo)
		if err != nil {
			return errorResponse("invalid repo: %v", err)
		}
		ref, err := s.worker.Unshallow(key)
		if err != nil {
			return errorResponse("unshallow failed: %v", err)
		}
		return Response{OK: true, Sync: &SyncResult{Generation: int64(ref.Generation), Commit: ref.Commit}}

	case MethodReshallow:
		key, err := cache.ParseRepoKey(req.Repo)
		if err != nil {
			return errorResponse("invalid repo: %v", err)
		}
		ref, err := s.worker.Reshallow(key)
		if err != nil {
			return errorResponse("reshallow failed: %v", err)
		}
		return Response{OK: true, Sync: &SyncResult{Generation: int64(ref.Generation), Commit: ref.Commit}}

	case MethodWatch:
		return s.setPriority(req.Repo, watchPriority)

	case MethodUnwatch:
		return s.setPriority(req.Repo, 0)

	case MethodList:
		if s.state == nil {
			return Response{OK: true}
		}
		repos, err := s.state.ListReposWithStats()
		if err != nil {
			return errorResponse("list failed: %v", err)
		}
		infos := make([]RepoInfo, 0, len(repos))
		for _, r := range repos {
			info := RepoInfo{
				Owner:           r.Owner,
				Repo:            r.Repo,
				Priority:        r.Priority,
				GenerationCount: r.GenerationCount,
				TotalSizeBytes:  r.TotalSizeBytes,
			}
			if r.CurrentGeneration.Valid {
				info.Generation = r.CurrentGeneration.Int64
			}
			if r.HeadCommit.Valid {
				info.Commit = r.HeadCommit.String
			}
			if r.LastSyncAt.Valid {
				info.LastSync = formatTimestamp(r.LastSyncAt.Int64)
			}
			if r.LastAccessAt.Valid {
				info.LastAccess = formatTimestamp(r.LastAccessAt.Int64)
			}
			infos = append(infos, info)
		}
		return Response{OK: true, Repos: infos}

	case MethodVersion:
		return Response{OK: true, Version: &VersionResult{Version: s.version, PID: os.Getpid()}}

	case MethodStop:
		if s.onStop != nil {
			go s.onStop()
		}
		return Response{OK: true}

	default:
		return errorResponse("unknown method: %s", req.Method)
	}
}

func (s *SocketServer) setPriority(repo string, priority int) Response {
	key, err := cache.ParseRepoKey(repo)
	if err != nil {
		return errorResponse("invalid repo: %v", err)
	}
	if s.state == nil {
		return errorResponse("state tracking disabled")
	}
	if err := s.state.SetPriority(string(key.Owner), string(key.Repo), priority); err != nil {
		return errorResponse("set priority failed: %v", err)
	}
	return Response{OK: true}
}

// formatTimestamp renders a unix timestamp as a relative time.
func formatTimestamp(ts int64) string {
	diff := time.Now().Unix() - ts
	if diff < 0 {
		return fmt.Sprintf("in %ds", -diff)
	}
	switch {
	case diff < 60:
		return fmt.Sprintf("%ds ago", diff)
	case diff < 3600:
		return fmt.Sprintf("%dm ago", diff/60)
	case diff < 86400:
		return fmt.Sprintf("%dh ago", diff/3600)
	default:
		return fmt.Sprintf("%dd ago", diff/86400)
	}
}
