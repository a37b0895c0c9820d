package download

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfbdl/rfbdl/internal/engine/events"
	"github.com/rfbdl/rfbdl/internal/engine/types"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTask(expected int64) (*Task, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 12, 10, 0, 0, 0, time.UTC)}
	task := NewTask("http://example.test/2024-05/Empresas0.zip", "/tmp/2024-05/Empresas0.zip", expected, "2024-05", "Empresas0.zip")
	task.now = clock.Now
	return task, clock
}

func progressEvents(msgs []any) []events.ProgressMsg {
	var out []events.ProgressMsg
	for _, m := range msgs {
		if p, ok := m.(events.ProgressMsg); ok {
			out = append(out, p)
		}
	}
	return out
}

func collect(ch <-chan any) []any {
	var out []any
	for {
		select {
		case m := <-ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestNewTask_Queued(t *testing.T) {
	task, _ := newTestTask(1000)

	assert.Equal(t, types.StatusQueued, task.Status())
	assert.False(t, task.Cancelled())
	assert.Equal(t, int64(1000), task.ExpectedSize())
	assert.Equal(t, int64(1000), task.DeclaredSize())
	assert.Empty(t, task.Error())
	_, err := uuid.Parse(task.ID())
	assert.NoError(t, err)
}

func TestSetStatus_AllowedTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []types.Status
	}{
		{"complete", []types.Status{types.StatusDownloading, types.StatusCompleted}},
		{"fail", []types.Status{types.StatusDownloading, types.StatusFailed}},
		{"cancel running", []types.Status{types.StatusDownloading, types.StatusCancelled}},
		{"cancel queued", []types.Status{types.StatusCancelled}},
		{"retry self-loop", []types.Status{types.StatusDownloading, types.StatusDownloading, types.StatusCompleted}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, _ := newTestTask(0)
			for _, s := range tt.path {
				require.NoError(t, task.SetStatus(s, nil))
			}
			assert.Equal(t, tt.path[len(tt.path)-1], task.Status())
		})
	}
}

func TestSetStatus_RejectsSkippingClaim(t *testing.T) {
	task, _ := newTestTask(0)
	for _, s := range []types.Status{types.StatusCompleted, types.StatusFailed, types.StatusQueued} {
		err := task.SetStatus(s, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition, "queued -> %s", s)
	}
	assert.Equal(t, types.StatusQueued, task.Status())
}

func TestSetStatus_TerminalStatesAbsorbing(t *testing.T) {
	all := []types.Status{types.StatusQueued, types.StatusDownloading, types.StatusCompleted, types.StatusFailed, types.StatusCancelled}
	for _, terminal := range []types.Status{types.StatusCompleted, types.StatusFailed, types.StatusCancelled} {
		task, _ := newTestTask(0)
		require.NoError(t, task.SetStatus(types.StatusDownloading, nil))
		require.NoError(t, task.SetStatus(terminal, errors.New("boom")))

		for _, next := range all {
			err := task.SetStatus(next, nil)
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", terminal, next)
			assert.Equal(t, terminal, task.Status())
		}
	}
}

func TestSetStatus_FailedStampsError(t *testing.T) {
	task, _ := newTestTask(0)
	sub, unsub := task.Subscribe(16)
	defer unsub()

	require.NoError(t, task.SetStatus(types.StatusDownloading, nil))
	require.NoError(t, task.SetStatus(types.StatusFailed, errors.New("HTTP error: 404 Not Found")))

	assert.Equal(t, "HTTP error: 404 Not Found", task.Error())

	msgs := collect(sub)
	require.Len(t, msgs, 2)
	last := msgs[1].(events.StatusMsg)
	assert.Equal(t, types.StatusFailed, last.Status)
	assert.Equal(t, "HTTP error: 404 Not Found", last.Err)
	assert.Equal(t, task.ID(), last.TaskID)
}

func TestRecordProgress_MonotonicEvents(t *testing.T) {
	task, clock := newTestTask(1000)
	sub, unsub := task.Subscribe(16)
	defer unsub()

	require.NoError(t, task.SetStatus(types.StatusDownloading, nil))
	task.SetInitialSize(0)
	clock.Advance(time.Second)
	task.RecordProgress(100)
	task.RecordProgress(50)
	task.RecordProgress(200)

	progress := progressEvents(collect(sub))
	require.Len(t, progress, 2)
	assert.Equal(t, int64(100), progress[0].Downloaded)
	assert.Equal(t, int64(200), progress[1].Downloaded)
	assert.Equal(t, int64(200), task.Downloaded())
}

func TestRecordProgress_SpeedAndETA(t *testing.T) {
	task, clock := newTestTask(5000)
	sub, unsub := task.Subscribe(16)
	defer unsub()

	require.NoError(t, task.SetStatus(types.StatusDownloading, nil))
	task.SetInitialSize(1000) // resumed
	clock.Advance(2 * time.Second)
	task.RecordProgress(3000)

	progress := progressEvents(collect(sub))
	require.Len(t, progress, 1)
	p := progress[0]
	assert.InDelta(t, 60.0, p.Percent, 0.001)
	assert.InDelta(t, 1000.0, p.Speed, 0.001, "only bytes from this session count")
	assert.True(t, p.ETAKnown)
	assert.Equal(t, 2*time.Second, p.ETA)
	assert.Equal(t, int64(5000), p.Total)
}

func TestRecordProgress_SessionSpansRetries(t *testing.T) {
	task, clock := newTestTask(4000)
	require.NoError(t, task.SetStatus(types.StatusDownloading, nil))

	task.SetInitialSize(0)
	clock.Advance(time.Second)
	task.RecordProgress(1000)

	// Second attempt resumes at 1000; start time is not reset.
	require.NoError(t, task.SetStatus(types.StatusDownloading, nil))
	task.SetInitialSize(1000)
	clock.Advance(time.Second)
	task.RecordProgress(2000)

	snap := task.Snapshot()
	assert.InDelta(t, 1000.0, snap.Speed, 0.001)
	assert.InDelta(t, 50.0, snap.Progress, 0.001)
}

func TestRecordProgress_UnknownSize(t *testing.T) {
	task, _ := newTestTask(0)
	sub, unsub := task.Subscribe(16)
	defer unsub()

	require.NoError(t, task.SetStatus(types.StatusDownloading, nil))
	task.RecordProgress(10)

	progress := progressEvents(collect(sub))
	require.Len(t, progress, 1)
	assert.Zero(t, progress[0].Percent)
	assert.False(t, progress[0].ETAKnown, "no elapsed time means no speed")
}

func TestRequestCancel_Idempotent(t *testing.T) {
	task, _ := newTestTask(0)
	task.RequestCancel()
	task.RequestCancel()

	assert.True(t, task.Cancelled())
	select {
	case <-task.Done():
	default:
		t.Fatal("Done should be closed")
	}
	assert.Error(t, task.Context().Err())
}

func TestReset(t *testing.T) {
	task, _ := newTestTask(0)
	require.NoError(t, task.SetStatus(types.StatusDownloading, nil))
	task.NextAttempt()
	task.NextAttempt()
	require.NoError(t, task.SetStatus(types.StatusFailed, errors.New("boom")))

	require.NoError(t, task.Reset())
	assert.Equal(t, types.StatusQueued, task.Status())
	assert.Empty(t, task.Error())
	assert.Zero(t, task.Attempts())

	assert.ErrorIs(t, task.Reset(), ErrInvalidTransition, "only failed tasks reset")
}

func TestReset_RejectedAfterCancel(t *testing.T) {
	task, _ := newTestTask(0)
	require.NoError(t, task.SetStatus(types.StatusDownloading, nil))
	require.NoError(t, task.SetStatus(types.StatusFailed, nil))
	task.RequestCancel()

	assert.ErrorIs(t, task.Reset(), ErrTaskCancelled)
	assert.Equal(t, types.StatusFailed, task.Status())
	assert.Equal(t, "unknown error", task.Error())
}

func TestSetDetail(t *testing.T) {
	task, _ := newTestTask(0)
	sub, unsub := task.Subscribe(16)
	defer unsub()

	task.SetDetail("ignored while queued")
	assert.Empty(t, task.Detail())

	require.NoError(t, task.SetStatus(types.StatusDownloading, nil))
	task.SetDetail("attempt 2 of 100")
	assert.Equal(t, "attempt 2 of 100", task.Detail())

	msgs := collect(sub)
	require.Len(t, msgs, 2)
	detail := msgs[1].(events.StatusMsg)
	assert.Equal(t, types.StatusDownloading, detail.Status)
	assert.Equal(t, "attempt 2 of 100", detail.Detail)
}

func TestSnapshot_TerminalHasNoSpeed(t *testing.T) {
	task, clock := newTestTask(100)
	require.NoError(t, task.SetStatus(types.StatusDownloading, nil))
	clock.Advance(time.Second)
	task.RecordProgress(100)
	require.NoError(t, task.SetStatus(types.StatusCompleted, nil))

	snap := task.Snapshot()
	assert.Equal(t, types.StatusCompleted, snap.Status)
	assert.Equal(t, "Empresas0.zip", snap.Filename)
	assert.Equal(t, "2024-05", snap.Bucket)
	assert.InDelta(t, 100.0, snap.Progress, 0.001)
	assert.Zero(t, snap.Speed)
	assert.False(t, snap.ETAKnown)
}
