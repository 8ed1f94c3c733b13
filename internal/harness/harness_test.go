package harness

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"snapfuzz/internal/channel"
	"snapfuzz/internal/engine"
	"snapfuzz/internal/engine/enginetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const baseline = "fuzz-base"

type fixture struct {
	ch     *channel.Channel
	eng    *enginetest.Engine
	ctrl   *Controller
	policy *ResetPolicy
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T, capacity int, agent enginetest.Agent) *fixture {
	t.Helper()
	ch, err := channel.NewHeap(channel.Layout{Capacity: capacity, CoverageSize: 64})
	require.NoError(t, err)
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	eng := enginetest.New(ch, agent, baseline)
	policy := NewResetPolicy(eng, baseline, logger)
	return &fixture{
		ch:     ch,
		eng:    eng,
		ctrl:   NewController(ch, eng, policy, logger),
		policy: policy,
		logs:   logs,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status     channel.Status
		verdict    Verdict
		restore    Restore
		diagnostic string
		violation  bool
	}{
		{channel.StatusUnknown, VerdictNormal, RestoreStandard, DiagStatusNotSet, false},
		{channel.StatusOk, VerdictNormal, RestoreStandard, "", false},
		{channel.StatusTimeout, VerdictTimeout, RestoreStandard, "", false},
		{channel.StatusCrash, VerdictCrash, RestoreStandard, "", false},
		{channel.StatusGuestFault, VerdictNormal, RestoreCorrective, DiagGuestFault, false},
		{channel.Status(5), VerdictNormal, RestoreStandard, DiagUnexpectedStatus, true},
		{channel.Status(0xffffffff), VerdictNormal, RestoreStandard, DiagUnexpectedStatus, true},
	}
	for _, test := range tests {
		t.Run(test.status.String(), func(t *testing.T) {
			cls := Classify(test.status)
			assert.Equal(t, test.verdict, cls.Verdict)
			assert.Equal(t, test.restore, cls.Restore)
			assert.Equal(t, test.diagnostic, cls.Diagnostic)
			assert.Equal(t, test.violation, cls.Violation)
		})
	}
}

func TestRunIterationVerdicts(t *testing.T) {
	tests := []struct {
		status  channel.Status
		verdict Verdict
	}{
		{channel.StatusOk, VerdictNormal},
		{channel.StatusTimeout, VerdictTimeout},
		{channel.StatusCrash, VerdictCrash},
		{channel.StatusGuestFault, VerdictNormal},
		{channel.Status(9), VerdictNormal},
	}
	for _, test := range tests {
		t.Run(test.status.String(), func(t *testing.T) {
			f := newFixture(t, 1024, enginetest.Reply(test.status))
			verdict, err := f.ctrl.RunIteration(context.Background(), []byte("input"))
			require.NoError(t, err)
			assert.Equal(t, test.verdict, verdict)
			// every verdict is followed by exactly one restore of the baseline
			calls := f.eng.Calls()
			require.Len(t, calls, 2)
			assert.Equal(t, "run", calls[0].Op)
			assert.Equal(t, enginetest.Call{Op: "load", Snapshot: baseline}, calls[1])
		})
	}
}

func TestStatusNotSet(t *testing.T) {
	f := newFixture(t, 1024, enginetest.Silent)
	verdict, err := f.ctrl.RunIteration(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, VerdictNormal, verdict)
	assert.Equal(t, 1, f.logs.FilterMessage(DiagStatusNotSet).Len())
	assert.Equal(t, uint64(1), f.ctrl.Stats().StatusNotSet)
	assert.Equal(t, 1, f.eng.Count("load"))
}

func TestGuestFaultIsCorrective(t *testing.T) {
	f := newFixture(t, 1024, enginetest.Reply(channel.StatusGuestFault))
	verdict, err := f.ctrl.RunIteration(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, VerdictNormal, verdict)
	assert.Equal(t, 1, f.logs.FilterMessage(DiagGuestFault).Len())
	assert.Equal(t, 1, f.logs.FilterMessage("corrective restore").Len())
	assert.Equal(t, 0, f.logs.FilterMessage(DiagStatusNotSet).Len())
	standard, corrective := f.policy.Counts()
	assert.Equal(t, uint64(0), standard)
	assert.Equal(t, uint64(1), corrective)
	assert.Equal(t, uint64(1), f.ctrl.Stats().GuestFaults)
}

func TestUnexpectedStatusIsLoggedAsError(t *testing.T) {
	f := newFixture(t, 1024, enginetest.Reply(channel.Status(42)))
	var hooked []channel.Status
	f.ctrl.SetDiagnosticHook(func(s channel.Status, _ Classification) { hooked = append(hooked, s) })
	_, err := f.ctrl.RunIteration(context.Background(), nil)
	require.NoError(t, err)
	entries := f.logs.FilterMessage(DiagUnexpectedStatus).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, uint64(1), f.ctrl.Stats().ProtocolViolations)
	assert.Equal(t, []channel.Status{42}, hooked)
}

func TestStatusResetBeforeRun(t *testing.T) {
	statuses := []channel.Status{channel.StatusCrash, channel.StatusTimeout, channel.StatusGuestFault, channel.StatusOk}
	i := 0
	f := newFixture(t, 1024, func([]byte, []byte) (channel.Status, bool) {
		s := statuses[i%len(statuses)]
		i++
		return s, true
	})
	// a stale status left from an earlier process must not leak into the first run
	f.ch.SetStatus(channel.StatusCrash)
	for range 8 {
		_, err := f.ctrl.RunIteration(context.Background(), []byte("abc"))
		require.NoError(t, err)
	}
	for _, call := range f.eng.Calls() {
		if call.Op == "run" {
			assert.Equal(t, channel.StatusUnknown, call.StatusAtRun)
		}
	}
}

func TestEmptyInputCrash(t *testing.T) {
	var seen []byte
	f := newFixture(t, 1024, func(input []byte, _ []byte) (channel.Status, bool) {
		seen = input
		return channel.StatusCrash, true
	})
	verdict, err := f.ctrl.RunIteration(context.Background(), []byte{})
	require.NoError(t, err)
	assert.Equal(t, VerdictCrash, verdict)
	assert.Empty(t, seen)
	assert.Equal(t, 0, f.ch.Len())
	standard, corrective := f.policy.Counts()
	assert.Equal(t, uint64(1), standard)
	assert.Equal(t, uint64(0), corrective)
}

func TestOversizedInput(t *testing.T) {
	var seen []byte
	f := newFixture(t, 1024, func(input []byte, _ []byte) (channel.Status, bool) {
		seen = input
		return channel.StatusOk, true
	})
	input := make([]byte, 2048)
	for i := range input {
		input[i] = byte(i)
	}
	_, err := f.ctrl.RunIteration(context.Background(), input)
	require.NoError(t, err)
	assert.Len(t, seen, 1024)
	assert.True(t, bytes.Equal(input[:1024], seen))
}

func TestCoverageClearedBeforeRun(t *testing.T) {
	var dirty bool
	f := newFixture(t, 16, func(_ []byte, cov []byte) (channel.Status, bool) {
		for _, b := range cov {
			if b != 0 {
				dirty = true
			}
		}
		cov[1]++
		return channel.StatusOk, true
	})
	for range 3 {
		_, err := f.ctrl.RunIteration(context.Background(), nil)
		require.NoError(t, err)
	}
	assert.False(t, dirty)
	assert.Equal(t, byte(1), f.ch.Coverage()[1])
}

func TestMissingSnapshotIsFatal(t *testing.T) {
	f := newFixture(t, 1024, enginetest.Reply(channel.StatusOk))
	f.eng.Snapshots = nil
	_, err := f.ctrl.RunIteration(context.Background(), nil)
	assert.ErrorIs(t, err, engine.ErrSnapshotMissing)
	assert.ErrorIs(t, f.policy.Prime(context.Background()), engine.ErrSnapshotMissing)
}

func TestEmptyBaseline(t *testing.T) {
	f := newFixture(t, 1024, enginetest.Reply(channel.StatusOk))
	policy := NewResetPolicy(f.eng, "", zap.NewNop())
	assert.ErrorIs(t, policy.Prime(context.Background()), ErrNoBaseline)
}

func TestEngineRunFailure(t *testing.T) {
	f := newFixture(t, 1024, enginetest.Reply(channel.StatusOk))
	f.eng.RunErr = errors.New("qemu exited")
	_, err := f.ctrl.RunIteration(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEngineRun)
	assert.Equal(t, 0, f.eng.Count("load"))
}

func TestTimeoutExecutor(t *testing.T) {
	f := newFixture(t, 1024, enginetest.Reply(channel.StatusOk))
	f.eng.Hang = func(input []byte) bool { return string(input) == "hang" }
	exec := &TimeoutExecutor{Controller: f.ctrl, Timeout: 20 * time.Millisecond}

	verdict, err := exec.Execute(context.Background(), []byte("hang"))
	require.NoError(t, err)
	assert.Equal(t, VerdictTimeout, verdict)
	assert.Equal(t, 1, f.eng.Count("load"))
	assert.Equal(t, uint64(1), f.ctrl.Stats().ForcedTimeouts)

	// the next iteration proceeds normally after the forced reset
	verdict, err = exec.Execute(context.Background(), []byte("fine"))
	require.NoError(t, err)
	assert.Equal(t, VerdictNormal, verdict)
	assert.Equal(t, 2, f.eng.Count("load"))
}

func TestTimeoutExecutorParentCanceled(t *testing.T) {
	f := newFixture(t, 1024, enginetest.Reply(channel.StatusOk))
	f.eng.Hang = func([]byte) bool { return true }
	exec := &TimeoutExecutor{Controller: f.ctrl, Timeout: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := exec.Execute(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.eng.Count("load"))
}
