//go:build unix

package runner

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// processGroup puts the child in its own group so a timeout reaches every
// descendant, not just the direct child.
type processGroup struct {
	mu    sync.Mutex
	timer *time.Timer
}

func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) *processGroup {
	g := &processGroup{}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := cmd.Process.Pid
		err := syscall.Kill(-pgid, syscall.SIGTERM)
		g.mu.Lock()
		g.timer = time.AfterFunc(grace, func() {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		})
		g.mu.Unlock()
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	// Bounds how long Wait blocks on pipes held open by stragglers.
	cmd.WaitDelay = grace + time.Second
	return g
}

// reap kills anything left in the group once the leader has exited.
func (g *processGroup) reap(cmd *exec.Cmd) {
	g.mu.Lock()
	if g.timer != nil {
		g.timer.Stop()
	}
	g.mu.Unlock()
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	if !groupAlive(pgid) {
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// groupAlive checks the group with signal 0. Once a group is empty its id
// is free for reuse and must not be signalled.
func groupAlive(pgid int) bool {
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
