package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/utilitywarehouse/ghfs/internal/cache"
	"github.com/utilitywarehouse/ghfs/internal/daemon"
)

// controlRequest sends one request to the daemon's control socket and
// decodes the reply.
func controlRequest(req daemon.Request) (*daemon.Response, error) {
	sockPath := envString("GHFS_SOCKET", cache.SocketPath())

	conn, err := net.DialTimeout("unix", sockPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("unable to reach daemon at %s (is it running?) err:%w", sockPath, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("unable to send request err:%w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return nil, fmt.Errorf("no response from daemon err:%w", scanner.Err())
	}

	var resp daemon.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("invalid response from daemon err:%w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return &resp, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and cached repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := controlRequest(daemon.Request{Method: daemon.MethodStatus})
		if err != nil {
			return err
		}
		if resp.Status == nil {
			return fmt.Errorf("malformed status response")
		}

		fmt.Printf("running:     %v\n", resp.Status.Running)
		fmt.Printf("version:     %s\n", resp.Status.Version)
		fmt.Printf("pid:         %d\n", resp.Status.PID)
		fmt.Printf("mount point: %s\n", resp.Status.MountPoint)
		fmt.Printf("repos:       %d\n", resp.Status.RepoCount)
		fmt.Printf("uptime:      %s\n", (time.Duration(resp.Status.UptimeSecs) * time.Second).String())

		list, err := controlRequest(daemon.Request{Method: daemon.MethodList})
		if err != nil {
			return err
		}
		if len(list.Repos) == 0 {
			return nil
		}

		fmt.Println()
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Repo", "Gen", "Commit", "Last Sync", "Last Access", "Size")
		for _, r := range list.Repos {
			commit := r.Commit
			if len(commit) > 12 {
				commit = commit[:12]
			}
			if err := table.Append(
				r.Owner+"/"+r.Repo,
				fmt.Sprintf("%d", r.Generation),
				commit,
				r.LastSync,
				r.LastAccess,
				formatSize(r.TotalSizeBytes),
			); err != nil {
				return fmt.Errorf("failed to add row err:%w", err)
			}
		}
		return table.Render()
	},
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func repoActionCommand(use, short, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <owner>/<repo>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := cache.ParseRepoKey(args[0]); err != nil {
				return err
			}
			resp, err := controlRequest(daemon.Request{Method: method, Repo: args[0]})
			if err != nil {
				return err
			}
			if resp.Sync != nil {
				fmt.Printf("%s: generation %d at %s\n", args[0], resp.Sync.Generation, resp.Sync.Commit)
			}
			return nil
		},
	}
}

var (
	syncCmd      = repoActionCommand("sync", "Force refresh a repository", daemon.MethodSync)
	unshallowCmd = repoActionCommand("unshallow", "Fetch full history for a repository", daemon.MethodUnshallow)
	reshallowCmd = repoActionCommand("reshallow", "Convert a repository back to a shallow mirror", daemon.MethodReshallow)
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := controlRequest(daemon.Request{Method: daemon.MethodStop}); err != nil {
			return err
		}
		fmt.Println("stop requested")
		return nil
	},
}
