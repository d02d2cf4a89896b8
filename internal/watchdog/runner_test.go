package watchdog

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hashvisor/internal/process"
)

const (
	waitFor = 3 * time.Second
	pollMS  = 5 * time.Millisecond
)

func newTestRunner(d Daemon, l Launcher) *Runner {
	r := NewRunner(d, process.NewRecord(d.Kind()), l, nil)
	r.Interval = 10 * time.Millisecond
	r.RestartPoll = 5 * time.Millisecond
	r.Terminator = func(process.Spec) process.Terminator { return process.DirectTerminator{} }
	return r
}

func TestRunner_StartRunsTicks(t *testing.T) {
	d := &fakeDaemon{kind: process.P2pool}
	l := &fakeLauncher{}
	r := newTestRunner(d, l)
	defer r.Close()

	require.NoError(t, r.Start())
	assert.Equal(t, process.Syncing, r.Record().State())
	assert.Equal(t, 1000, r.Record().PID())
	assert.Eventually(t, func() bool { return d.ticks.Load() >= 3 }, waitFor, pollMS)
	assert.EqualValues(t, 1, d.resets.Load())

	assert.ErrorIs(t, r.Start(), ErrBusy)
}

func TestRunner_ConcurrentStartsLaunchOnce(t *testing.T) {
	d := &fakeDaemon{kind: process.Node}
	l := &fakeLauncher{}
	r := newTestRunner(d, l)
	defer r.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Start() == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, l.launches())
}

func TestRunner_RestartIsSerialized(t *testing.T) {
	d := &fakeDaemon{kind: process.P2pool}
	// the child needs a couple of ticks to die once killed
	l := &fakeLauncher{killDelay: 25 * time.Millisecond}
	r := newTestRunner(d, l)
	defer r.Close()
	rec := r.Record()

	require.NoError(t, r.Start())
	r.Restart()
	r.Restart()

	require.Eventually(t, func() bool {
		return l.launches() == 2 && rec.State() == process.Syncing && !rec.Restarting()
	}, waitFor, pollMS)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, l.launches())
	assert.EqualValues(t, 1, l.maxAlive.Load())
	assert.EqualValues(t, 1, l.alive.Load())

	r.Restart()
	require.Eventually(t, func() bool {
		return l.launches() == 3 && rec.State() == process.Syncing && !rec.Restarting()
	}, waitFor, pollMS)
	assert.EqualValues(t, 1, l.maxAlive.Load())
}

func TestRunner_RestartWhenStoppedStarts(t *testing.T) {
	d := &fakeDaemon{kind: process.Xmrig}
	l := &fakeLauncher{}
	r := newTestRunner(d, l)
	defer r.Close()

	r.Restart()
	require.Eventually(t, func() bool { return l.launches() == 1 && !r.Record().Restarting() }, waitFor, pollMS)
	assert.Equal(t, process.Syncing, r.Record().State())
}

func TestRunner_StopCancelsPendingRestart(t *testing.T) {
	d := &fakeDaemon{kind: process.P2pool}
	l := &fakeLauncher{killDelay: 25 * time.Millisecond}
	r := newTestRunner(d, l)
	defer r.Close()
	rec := r.Record()

	require.NoError(t, r.Start())
	r.Restart()
	require.NoError(t, r.Stop())
	require.Eventually(t, func() bool {
		return rec.State() == process.Dead && !rec.Restarting()
	}, waitFor, pollMS)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, l.launches(), "a stop must not be followed by the cancelled restart")

	require.NoError(t, r.Start())
	require.Eventually(t, func() bool { return rec.State() == process.Syncing }, waitFor, pollMS)
	r.Restart()
	require.Eventually(t, func() bool {
		return l.launches() == 3 && rec.State() == process.Syncing && !rec.Restarting()
	}, waitFor, pollMS)
}

func TestRunner_RestartDuringLaunch(t *testing.T) {
	d := &fakeDaemon{kind: process.P2pool}
	l := &fakeLauncher{}
	r := newTestRunner(d, l)
	defer r.Close()
	rec := r.Record()

	// the restart lands after Begin and before the launch completes
	require.True(t, rec.Begin())
	r.Restart()
	require.NoError(t, r.start())

	require.Eventually(t, func() bool {
		return l.launches() == 2 && rec.State() == process.Syncing && !rec.Restarting()
	}, waitFor, pollMS)
	assert.EqualValues(t, 1, l.alive.Load())

	r.Restart()
	require.Eventually(t, func() bool { return l.launches() == 3 && !rec.Restarting() }, waitFor, pollMS)
}

func TestRunner_StartSupersedesPendingRestart(t *testing.T) {
	d := &fakeDaemon{kind: process.Xmrig}
	l := &fakeLauncher{}
	r := newTestRunner(d, l)
	r.RestartPoll = time.Hour
	defer r.Close()
	rec := r.Record()

	require.NoError(t, r.Start())
	r.Restart()
	require.Eventually(t, func() bool { return rec.State() == process.Waiting }, waitFor, pollMS)

	require.NoError(t, r.Start())
	assert.False(t, rec.Restarting())
	assert.Equal(t, 2, l.launches())
	r.Restart()
	assert.True(t, rec.Restarting(), "a new restart is accepted after the superseded one")
}

func TestRunner_StopWritesBanner(t *testing.T) {
	d := &fakeDaemon{kind: process.P2pool}
	l := &fakeLauncher{killDelay: 10 * time.Millisecond}
	r := newTestRunner(d, l)
	defer r.Close()

	var exits []Exit
	var mu sync.Mutex
	r.OnExit = func(e Exit) {
		mu.Lock()
		exits = append(exits, e)
		mu.Unlock()
	}

	require.NoError(t, r.Start())
	require.NoError(t, r.Stop())
	require.Eventually(t, func() bool { return r.Record().State() == process.Dead }, waitFor, pollMS)

	out := d.out.String()
	assert.Contains(t, out, process.HorizontalRule+"\nP2Pool stopped | Uptime: [")
	assert.Contains(t, out, "| Exit status: [Successful]\n"+process.HorizontalRule+"\n\n\n\n")
	assert.EqualValues(t, 0, l.alive.Load())
	assert.Equal(t, process.SignalNone, r.Record().Signal())

	mu.Lock()
	require.Len(t, exits, 1)
	assert.Equal(t, process.SignalStop, exits[0].Signal)
	assert.Equal(t, 1000, exits[0].PID)
	mu.Unlock()

	assert.ErrorIs(t, r.Stop(), ErrNotRunning)
}

func TestRunner_UnexpectedExitFails(t *testing.T) {
	d := &fakeDaemon{kind: process.Xmrig}
	l := &fakeLauncher{}
	r := newTestRunner(d, l)
	defer r.Close()

	require.NoError(t, r.Start())
	l.handle(0).exit(exitCodeError{code: 1})
	require.Eventually(t, func() bool { return r.Record().State() == process.Failed }, waitFor, pollMS)
	assert.Contains(t, d.out.String(), "XMRig stopped | Uptime: [")
	assert.Contains(t, d.out.String(), "Exit status: [Failed]")

	// a failed daemon may be started again
	require.NoError(t, r.Start())
	assert.Equal(t, 2, l.launches())
}

func TestRunner_StopReportsChildFailure(t *testing.T) {
	d := &fakeDaemon{kind: process.Xmrig}
	l := &fakeLauncher{killErr: exitCodeError{code: 1}}
	r := newTestRunner(d, l)
	defer r.Close()

	require.NoError(t, r.Start())
	require.NoError(t, r.Stop())
	require.Eventually(t, func() bool { return r.Record().State() == process.Failed }, waitFor, pollMS)
	assert.Contains(t, d.out.String(), "Exit status: [Failed]")
	assert.NotContains(t, d.out.String(), "Exit status: [Successful]")
}

func TestRunner_ExitWaitsForReapedStatus(t *testing.T) {
	d := &fakeDaemon{kind: process.Xmrig}
	l := &fakeLauncher{}
	r := newTestRunner(d, reapLagLauncher{l})
	defer r.Close()

	require.NoError(t, r.Start())
	l.handle(0).exit(exitCodeError{code: 2})
	require.Eventually(t, func() bool { return r.Record().State() == process.Failed }, waitFor, pollMS)
	assert.Contains(t, d.out.String(), "Exit status: [Failed]")
}

func TestStopStatus(t *testing.T) {
	status, ok := stopStatus(nil)
	assert.Equal(t, "Successful", status)
	assert.True(t, ok)

	status, ok = stopStatus(exitCodeError{code: 3})
	assert.Equal(t, "Failed", status)
	assert.False(t, ok)

	status, ok = stopStatus(errors.New("wait: no child"))
	assert.Equal(t, "Unknown Error", status)
	assert.False(t, ok)
}

func TestRunner_OutputAndInput(t *testing.T) {
	d := &fakeDaemon{kind: process.P2pool}
	l := &fakeLauncher{}
	r := newTestRunner(d, l)
	var console lockedBuffer
	r.Console = &console
	defer r.Close()

	require.NoError(t, r.Start())
	h := l.handle(0)
	_, err := h.outW.Write([]byte("hello\r\nwor"))
	require.NoError(t, err)
	_, err = h.outW.Write([]byte("ld\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(d.out.String(), "hello\nworld\n") }, waitFor, pollMS)
	assert.Equal(t, "hello\nworld\n", console.String())

	r.Record().QueueInput("status")
	require.Eventually(t, func() bool { return strings.Contains(h.stdin.String(), "status") }, waitFor, pollMS)
}

func TestRunner_SpawnFailure(t *testing.T) {
	d := &fakeDaemon{kind: process.Node}
	l := &fakeLauncher{err: &process.SpawnError{Kind: process.Node, Binary: "/nope", Err: errors.New("no such file")}}
	r := newTestRunner(d, l)
	defer r.Close()

	err := r.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, process.ErrSpawn)
	assert.Equal(t, process.Failed, r.Record().State())
	assert.Contains(t, d.out.String(), "Node failed to start")
}

func TestRunner_InProcessDaemon(t *testing.T) {
	d := &fakeDaemon{kind: process.Xvb, noProc: true}
	l := &fakeLauncher{}
	r := newTestRunner(d, l)
	defer r.Close()

	require.NoError(t, r.Start())
	assert.Eventually(t, func() bool { return d.ticks.Load() >= 2 }, waitFor, pollMS)
	require.NoError(t, r.Stop())
	require.Eventually(t, func() bool { return r.Record().State() == process.Dead }, waitFor, pollMS)
	assert.Equal(t, 0, l.launches())
}

func TestRunner_CloseTerminates(t *testing.T) {
	d := &fakeDaemon{kind: process.XmrigProxy}
	l := &fakeLauncher{killDelay: 5 * time.Millisecond}
	r := newTestRunner(d, l)

	require.NoError(t, r.Start())
	r.Close()
	assert.Equal(t, process.Dead, r.Record().State())
	assert.EqualValues(t, 0, l.alive.Load())
	assert.Error(t, r.Start())
}

func TestBanner(t *testing.T) {
	b := Banner(process.Node, 90*time.Second+400*time.Millisecond, "Failed")
	assert.Equal(t, process.HorizontalRule+"\nNode stopped | Uptime: [1m30s] | Exit status: [Failed]\n"+process.HorizontalRule+"\n\n\n\n", b)
}
