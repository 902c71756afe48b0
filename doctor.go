package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/utilitywarehouse/ghfs/internal/daemon"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the environment can run ghfs",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}

		failed := false
		check := func(name string, ok bool, detail string) {
			mark := "ok"
			if !ok {
				mark = "FAIL"
				failed = true
			}
			fmt.Printf("%-18s %-4s %s\n", name, mark, detail)
		}

		gitPath, gitErr := exec.LookPath("git")
		check("git binary", gitErr == nil, gitPath)

		_, fuseErr := os.Stat("/dev/fuse")
		check("/dev/fuse", fuseErr == nil, "required for mounting")

		cacheWritable := true
		if err := os.MkdirAll(conf.CacheRoot, 0755); err != nil {
			cacheWritable = false
		}
		check("cache root", cacheWritable, conf.CacheRoot)

		_, err = controlRequest(daemon.Request{Method: daemon.MethodVersion})
		check("daemon socket", err == nil, conf.SocketPath)

		if failed {
			return fmt.Errorf("some checks failed")
		}
		return nil
	},
}
