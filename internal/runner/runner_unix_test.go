//go:build unix

package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/extractor"
)

func shellExt(name string, outputs []string, script string, codes ...int) extractor.Extractor {
	return &extractor.Definition{
		ExtractorName: name,
		Outputs:       outputs,
		Build: func(extractor.Task) (extractor.Invocation, error) {
			return extractor.Invocation{Args: []string{"/bin/sh", "-c", script}, SuccessCodes: codes}, nil
		},
	}
}

func TestRunCommandSucceeds(t *testing.T) {
	t.Parallel()

	task := newTask(t, "wget")
	out := newRunner().Run(context.Background(), shellExt("wget", []string{"wget/index.html"},
		`printf '<html></html>' > index.html; echo saved`), task)
	require.Equal(t, archive.StatusSucceeded, out.Result.Status)
	require.NotNil(t, out.Result.ExitCode)
	require.Equal(t, 0, *out.Result.ExitCode)
	require.Equal(t, "saved\n", out.Stdout)
	require.Equal(t, "/bin/sh", out.Result.Cmd[0])
}

func TestRunCommandNonZeroExit(t *testing.T) {
	t.Parallel()

	task := newTask(t, "git")
	out := newRunner().Run(context.Background(), shellExt("git", nil, `echo "fatal: repository not found" >&2; exit 128`), task)
	require.Equal(t, archive.StatusFailed, out.Result.Status)
	require.Equal(t, 128, *out.Result.ExitCode)
	require.Contains(t, *out.Result.Error, "fatal: repository not found")
	require.False(t, out.Permanent)
}

func TestRunCommandAcceptsConfiguredExitCodes(t *testing.T) {
	t.Parallel()

	task := newTask(t, "wget")
	out := newRunner().Run(context.Background(), shellExt("wget", []string{"wget"},
		`echo page > page.html; exit 8`, 0, 8), task)
	require.Equal(t, archive.StatusSucceeded, out.Result.Status)
	require.Equal(t, 8, *out.Result.ExitCode)
}

func TestRunCommandMissingBinaryIsPermanent(t *testing.T) {
	t.Parallel()

	ext := &extractor.Definition{
		ExtractorName: "media",
		Build: func(extractor.Task) (extractor.Invocation, error) {
			return extractor.Invocation{Args: []string{"definitely-not-installed-archiver-binary"}}, nil
		},
	}
	out := newRunner().Run(context.Background(), ext, newTask(t, "media"))
	require.Equal(t, archive.StatusFailed, out.Result.Status)
	require.True(t, out.Permanent)
	require.Nil(t, out.Result.ExitCode)
	require.NotNil(t, out.Result.Error)
}

func TestRunCommandTimeoutKillsProcessTree(t *testing.T) {
	t.Parallel()

	task := newTask(t, "media")
	task.Timeout = 300 * time.Millisecond
	pidFile := filepath.Join(task.OutDir, "child.pid")
	// The grandchild ignores SIGTERM, so only the group SIGKILL stops it.
	script := `sh -c 'trap "" TERM; echo $$ > child.pid; while true; do sleep 1; done' & wait`

	start := time.Now()
	out := newRunner().Run(context.Background(), shellExt("media", nil, script), task)
	require.Equal(t, archive.StatusTimedOut, out.Result.Status)
	require.Less(t, time.Since(start), 5*time.Second)

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return !alive(pid)
	}, 3*time.Second, 50*time.Millisecond, "grandchild %d still alive", pid)
}

// alive treats zombies as dead; an orphan may wait a while for init to reap it.
func alive(pid int) bool {
	if syscall.Kill(pid, 0) != nil {
		return false
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return true
	}
	return !strings.Contains(string(stat), ") Z ")
}

func TestRunCommandTruncatesOutput(t *testing.T) {
	t.Parallel()

	r := New(Config{OutputLimit: 16})
	out := r.Run(context.Background(), shellExt("noisy", nil, `i=0; while [ $i -lt 100 ]; do echo line-$i; i=$((i+1)); done`), newTask(t, "noisy"))
	require.Equal(t, archive.StatusSucceeded, out.Result.Status)
	require.True(t, strings.HasPrefix(out.Stdout, "line-0\nline-1\nli"))
	require.Contains(t, out.Stdout, truncationMarker)
}

func TestRunCommandCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	out := newRunner().Run(ctx, shellExt("slow", nil, `sleep 30`), newTask(t, "slow"))
	require.Equal(t, archive.StatusFailed, out.Result.Status)
	require.Equal(t, "canceled", *out.Result.Error)
	require.False(t, out.Unconfirmed)
}

func TestGroupAliveTracksMembers(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	pgid := cmd.Process.Pid
	require.True(t, groupAlive(pgid))

	require.NoError(t, syscall.Kill(-pgid, syscall.SIGKILL))
	_ = cmd.Wait()
	require.False(t, groupAlive(pgid))
}
