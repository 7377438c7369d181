package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deixis/shellcommand/internal/output"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	return &Runner{
		Workspace: t.TempDir(),
		MaxOutput: 1 << 20,
		WaitDelay: 500 * time.Millisecond,
	}
}

// collector records delivered events. Reads happen after the execution has
// resolved, which orders them after every Deliver.
type collector struct {
	mu     sync.Mutex
	events []output.Event
	closed int
}

func (c *collector) Deliver(ev output.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *collector) text(tag output.Tag) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, ev := range c.events {
		if ev.Origin == tag {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

var allModes = []output.Mode{output.Complete, output.Line, output.Character, output.Chunk}

func TestRun_Success(t *testing.T) {
	r := newTestRunner(t)
	res, err := r.Run(context.Background(), Request{Script: "echo hello"}, output.Complete, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.NotEmpty(t, res.ExecutionID)
	assert.Positive(t, res.Duration)
}

func TestRun_NonZeroExitInEveryMode(t *testing.T) {
	r := newTestRunner(t)
	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			res, err := r.Run(context.Background(), Request{Script: "exit 7"}, mode, &collector{})
			require.NoError(t, err)
			assert.Equal(t, 7, res.ExitCode)
		})
	}
}

func TestRun_LineModeFlushesTrailingRemainder(t *testing.T) {
	r := newTestRunner(t)
	c := &collector{}
	res, err := r.Run(context.Background(), Request{Script: `printf 'a\nb'`}, output.Line, c)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	require.Len(t, c.events, 2)
	assert.Equal(t, output.Event{Text: "a\n", Origin: output.Stdout}, c.events[0])
	assert.Equal(t, output.Event{Text: "b", Origin: output.Stdout, Terminal: true}, c.events[1])
	assert.Equal(t, 1, c.closed)
}

func TestRun_SeparatesStreams(t *testing.T) {
	r := newTestRunner(t)
	c := &collector{}
	res, err := r.Run(context.Background(), Request{Script: "echo out; echo err >&2; echo out2"}, output.Line, c)
	require.NoError(t, err)
	assert.Equal(t, "out\nout2\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, res.Stdout, c.text(output.Stdout))
	assert.Equal(t, res.Stderr, c.text(output.Stderr))
}

func TestRun_AccumulateIndependentOfMode(t *testing.T) {
	const script = `for i in 1 2 3; do printf 'line %s ü\n' "$i"; printf 'e%s' "$i" >&2; done; printf tail`
	r := newTestRunner(t)
	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			c := &collector{}
			res, err := r.Run(context.Background(), Request{Script: script}, mode, c)
			require.NoError(t, err)
			assert.Equal(t, "line 1 ü\nline 2 ü\nline 3 ü\ntail", res.Stdout)
			assert.Equal(t, "e1e2e3", res.Stderr)
			if mode != output.Complete {
				assert.Equal(t, res.Stdout, c.text(output.Stdout))
				assert.Equal(t, res.Stderr, c.text(output.Stderr))
			} else {
				assert.Empty(t, c.events)
			}
		})
	}
}

func TestRun_ChunkModeLargeOutput(t *testing.T) {
	r := newTestRunner(t)
	c := &collector{}
	res, err := r.Run(context.Background(), Request{Script: "head -c 300000 /dev/zero | tr '\\0' x"}, output.Chunk, c)
	require.NoError(t, err)
	assert.Len(t, res.Stdout, 300000)
	assert.Equal(t, res.Stdout, c.text(output.Stdout))
}

func TestRun_CharacterMode(t *testing.T) {
	r := newTestRunner(t)
	c := &collector{}
	_, err := r.Run(context.Background(), Request{Script: "printf 'héllo'"}, output.Character, c)
	require.NoError(t, err)

	var got []string
	for _, ev := range c.events {
		got = append(got, ev.Text)
	}
	assert.Equal(t, []string{"h", "é", "l", "l", "o"}, got)
}

func TestRun_ShellNotFound(t *testing.T) {
	r := newTestRunner(t)
	r.Shell = "nonexistent-shell-xyz-123"
	c := &collector{}

	res, err := r.Run(context.Background(), Request{Script: "echo hi"}, output.Line, c)
	require.ErrorIs(t, err, ErrSpawn)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "nonexistent-shell-xyz-123")
	assert.Empty(t, c.events)
	assert.Zero(t, c.closed, "sink must not be touched on spawn failure")
}

func TestRun_InvalidCwd(t *testing.T) {
	r := newTestRunner(t)
	c := &collector{}
	res, err := r.Run(context.Background(), Request{Script: "pwd", Cwd: "/nonexistent/dir/xyz"}, output.Chunk, c)
	require.ErrorIs(t, err, ErrSpawn)
	assert.Nil(t, res)
	assert.Empty(t, c.events)
	assert.Zero(t, c.closed)

	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindSpawn, f.Kind)
}

func TestRun_CWDWithinWorkspace(t *testing.T) {
	r := newTestRunner(t)
	sub := filepath.Join(r.Workspace, "subdir")
	require.NoError(t, os.Mkdir(sub, 0o755))

	res, err := r.Run(context.Background(), Request{Script: "pwd", Cwd: "subdir"}, output.Complete, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "subdir")
}

func TestRun_CWDOutsideWorkspace(t *testing.T) {
	r := newTestRunner(t)
	r.Confine = true

	for _, cwd := range []string{"../", "/tmp"} {
		_, err := r.Run(context.Background(), Request{Script: "pwd", Cwd: cwd}, output.Complete, nil)
		require.ErrorIs(t, err, ErrSpawn, cwd)
		assert.Contains(t, err.Error(), "outside workspace", cwd)
	}
}

func TestRun_Env(t *testing.T) {
	r := newTestRunner(t)
	r.Env = map[string]string{"BASE": "runner", "SHARED": "runner"}
	res, err := r.Run(context.Background(), Request{
		Script: `echo "$BASE $SHARED $ONLY"`,
		Env:    map[string]string{"SHARED": "request", "ONLY": "req"},
	}, output.Complete, nil)
	require.NoError(t, err)
	assert.Equal(t, "runner request req\n", res.Stdout)
}

func TestRun_InheritsProcessEnv(t *testing.T) {
	t.Setenv("SHELLCOMMAND_TEST_INHERIT", "yes")
	r := newTestRunner(t)
	res, err := r.Run(context.Background(), Request{Script: `echo "$SHELLCOMMAND_TEST_INHERIT"`}, output.Complete, nil)
	require.NoError(t, err)
	assert.Equal(t, "yes\n", res.Stdout)
}

func TestRun_Timeout(t *testing.T) {
	r := newTestRunner(t)
	start := time.Now()
	res, err := r.Run(context.Background(), Request{
		Script:  "sleep 5",
		Timeout: 50 * time.Millisecond,
	}, output.Line, &collector{})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.Nil(t, res)
	assert.Equal(t, "command timed out after 50ms", err.Error())
	assert.Less(t, elapsed, time.Second)
}

func TestRun_TimeoutDeliversCapturedOutput(t *testing.T) {
	r := newTestRunner(t)
	c := &collector{}
	_, err := r.Run(context.Background(), Request{
		Script:  "printf 'before\\npartial'; sleep 5",
		Timeout: 500 * time.Millisecond,
	}, output.Line, c)
	require.ErrorIs(t, err, ErrTimeout)

	require.Len(t, c.events, 2)
	assert.Equal(t, "before\n", c.events[0].Text)
	assert.Equal(t, output.Event{Text: "partial", Origin: output.Stdout, Terminal: true}, c.events[1])
	assert.Equal(t, 1, c.closed)
}

func TestRun_TimeoutKillsProcessGroup(t *testing.T) {
	r := newTestRunner(t)
	marker := filepath.Join(t.TempDir(), "alive")

	_, err := r.Run(context.Background(), Request{
		Script:  fmt.Sprintf("(sleep 0.4; echo alive > %q) & sleep 5", marker),
		Timeout: 200 * time.Millisecond,
	}, output.Complete, nil)
	require.ErrorIs(t, err, ErrTimeout)

	time.Sleep(700 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "background child survived the timeout")
}

func TestRun_TimeoutFoldedIntoExitCode(t *testing.T) {
	r := newTestRunner(t)
	r.KillPolicy = KillExitCode
	res, err := r.Run(context.Background(), Request{Script: "sleep 5", Timeout: 50 * time.Millisecond}, output.Complete, nil)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, 1, res.ExitCode)
}

func TestRun_DefaultTimeoutApplies(t *testing.T) {
	r := newTestRunner(t)
	r.Timeout = 50 * time.Millisecond
	_, err := r.Run(context.Background(), Request{Script: "sleep 5"}, output.Complete, nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRun_KilledBySignal(t *testing.T) {
	r := newTestRunner(t)
	res, err := r.Run(context.Background(), Request{Script: "echo partial; kill -KILL $$"}, output.Complete, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "killed", res.Signal)
	assert.Equal(t, "partial\n", res.Stdout)
}

func TestRun_ContextCanceled(t *testing.T) {
	r := newTestRunner(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, Request{Script: "sleep 5"}, output.Complete, nil)
	require.ErrorIs(t, err, ErrRuntime)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_OutputTruncation(t *testing.T) {
	r := newTestRunner(t)
	r.MaxOutput = 100

	c := &collector{}
	res, err := r.Run(context.Background(), Request{Script: "head -c 200 /dev/zero | tr '\\0' y"}, output.Chunk, c)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Stdout, 100)
	assert.Len(t, c.text(output.Stdout), 200, "streaming delivery is not capped")
}

func TestRun_ConcurrentExecutions(t *testing.T) {
	r := newTestRunner(t)

	var g errgroup.Group
	for i := range 8 {
		g.Go(func() error {
			c := &collector{}
			res, err := r.Run(context.Background(), Request{
				Script: `for j in 1 2 3; do echo "$N-$j"; done`,
				Env:    map[string]string{"N": fmt.Sprint(i)},
			}, output.Line, c)
			if err != nil {
				return err
			}
			want := fmt.Sprintf("%d-1\n%d-2\n%d-3\n", i, i, i)
			if res.Stdout != want || c.text(output.Stdout) != want {
				return fmt.Errorf("execution %d: stdout %q, streamed %q", i, res.Stdout, c.text(output.Stdout))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestStart_ResolvesOnce(t *testing.T) {
	r := newTestRunner(t)
	// A timeout racing a process that exits almost immediately.
	for range 20 {
		e := r.Start(context.Background(), Request{Script: "true", Timeout: time.Millisecond}, output.Chunk, nil)
		select {
		case <-e.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("execution never resolved")
		}
		res1, err1 := e.Wait()
		res2, err2 := e.Wait()
		assert.True(t, res1 == res2)
		assert.Equal(t, err1, err2)
		assert.True(t, (res1 == nil) != (err1 == nil), "exactly one of result or failure")
	}
}

func TestExecution_TimerAfterExitIsIgnored(t *testing.T) {
	e := &Execution{}
	e.markExited()
	assert.False(t, e.beginTermination(true))
	assert.False(t, e.timedOut)

	// Cancellation still stops intake once the shell is gone.
	assert.True(t, e.beginTermination(false))
}

func TestExitedOnItsOwn(t *testing.T) {
	assert.False(t, exitedOnItsOwn(nil))

	exited := exec.Command("bash", "-c", "exit 3")
	require.Error(t, exited.Run())
	assert.True(t, exitedOnItsOwn(exited.ProcessState))

	killed := exec.Command("sleep", "5")
	require.NoError(t, killed.Start())
	require.NoError(t, killed.Process.Kill())
	require.Error(t, killed.Wait())
	assert.False(t, exitedOnItsOwn(killed.ProcessState))
}

func TestRun_FastExitUnderTightTimeout(t *testing.T) {
	r := newTestRunner(t)
	for range 20 {
		res, err := r.Run(context.Background(), Request{Script: "exit 4", Timeout: 20 * time.Millisecond}, output.Complete, nil)
		if err != nil {
			// The timer may legitimately fire before bash starts running.
			require.ErrorIs(t, err, ErrTimeout)
			continue
		}
		assert.Equal(t, 4, res.ExitCode)
		assert.False(t, res.TimedOut)
	}
}

func TestStart_Snapshot(t *testing.T) {
	r := newTestRunner(t)
	e := r.Start(context.Background(), Request{Script: "echo early; sleep 5", Timeout: time.Second}, output.Complete, nil)
	require.Positive(t, e.PID)

	require.Eventually(t, func() bool {
		out, _ := e.Snapshot()
		return out == "early\n"
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.WaitContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = e.Wait()
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRunner_ResolveDir(t *testing.T) {
	r := &Runner{Workspace: "/work"}
	dir, err := r.resolveDir("")
	require.NoError(t, err)
	assert.Equal(t, "/work", dir)

	dir, err = r.resolveDir("a/../b")
	require.NoError(t, err)
	assert.Equal(t, "/work/b", dir)

	dir, err = r.resolveDir("/elsewhere")
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere", dir, "absolute paths pass through without Confine")

	r.Confine = true
	_, err = r.resolveDir("../work2")
	require.Error(t, err)

	dir, err = r.resolveDir("/work/..sub")
	require.NoError(t, err, "names starting with .. are not parent references")
	assert.Equal(t, "/work/..sub", dir)
}

func TestRunner_Timeout(t *testing.T) {
	r := &Runner{}
	assert.Zero(t, r.timeout(0))
	assert.Equal(t, time.Second, r.timeout(time.Second))

	r.Timeout = 3 * time.Second
	assert.Equal(t, 3*time.Second, r.timeout(0))
	assert.Equal(t, time.Second, r.timeout(time.Second))

	r.MaxTimeout = 2 * time.Second
	assert.Equal(t, 2*time.Second, r.timeout(0))
	assert.Equal(t, 2*time.Second, r.timeout(time.Minute))
	assert.Equal(t, time.Second, r.timeout(time.Second))
}

func TestDigest(t *testing.T) {
	assert.Len(t, Digest("echo hi"), 16)
	assert.Equal(t, Digest("echo hi"), Digest("echo hi"))
	assert.NotEqual(t, Digest("echo hi"), Digest("echo ho"))
}
