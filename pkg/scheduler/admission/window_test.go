// SPDX-License-Identifier: AGPL-3.0-only

package admission

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	util_test "github.com/ordergate/ordergate/pkg/util/test"
)

func TestMain(m *testing.M) {
	util_test.VerifyNoLeakTestMain(m)
}

var t0 = time.Date(2024, time.January, 1, 9, 15, 0, 0, time.UTC)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// dispatch waits out the delay at now and admits a request, returning the dispatch time.
func dispatch(w *Window, now time.Time) time.Time {
	at := now.Add(w.Delay(now))
	w.Admit(at)
	return at
}

func TestNew_Validation(t *testing.T) {
	_, err := New(0, 1, nil)
	require.Error(t, err)
	_, err = New(1, 0, nil)
	require.Error(t, err)

	w, err := New(4, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, ms(250), w.MinInterval())
}

func TestWindow_MinIntervalRoundsUp(t *testing.T) {
	w, err := New(3, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 333333334*time.Nanosecond, w.MinInterval())

	// The burst allows more than 3 dispatches per window, so only the spacing keeps the
	// fourth one out of the first second.
	now := t0
	var times []time.Time
	for i := 0; i < 4; i++ {
		now = dispatch(w, now)
		times = append(times, now)
	}
	assert.GreaterOrEqual(t, times[3].Sub(times[0]), time.Second)
}

func TestWindow_FirstRequestIsImmediate(t *testing.T) {
	w, err := New(2, 2, nil)
	require.NoError(t, err)

	assert.Zero(t, w.Delay(t0))
	w.Admit(t0)

	s := w.Snapshot()
	assert.Equal(t, t0, s.WindowStart)
	assert.Equal(t, 1, s.RequestCount)
	assert.Equal(t, t0, s.LastRequestTime)
}

func TestWindow_MinimumSpacing(t *testing.T) {
	w, err := New(2, 2, nil)
	require.NoError(t, err)

	w.Admit(t0)
	assert.Equal(t, ms(500), w.Delay(t0))
	assert.Equal(t, ms(300), w.Delay(t0.Add(ms(200))))
	assert.Zero(t, w.Delay(t0.Add(ms(500))))
	assert.Zero(t, w.Delay(t0.Add(ms(800))))
}

func TestWindow_BurstWindow(t *testing.T) {
	// Spacing would allow 10/s, but the window only allows 3 per second.
	w, err := New(10, 3, nil)
	require.NoError(t, err)

	first := dispatch(w, t0)
	second := dispatch(w, t0)
	third := dispatch(w, t0)
	assert.Equal(t, t0, first)
	assert.Equal(t, t0.Add(ms(100)), second)
	assert.Equal(t, t0.Add(ms(200)), third)

	// The fourth has to wait for the window anchored at t0 to expire.
	assert.Equal(t, ms(800), w.Delay(third))
	fourth := dispatch(w, third)
	assert.Equal(t, t0.Add(time.Second), fourth)

	s := w.Snapshot()
	assert.Equal(t, fourth, s.WindowStart)
	assert.Equal(t, 1, s.RequestCount)
}

func TestWindow_WindowResetsAfterIdle(t *testing.T) {
	w, err := New(5, 2, nil)
	require.NoError(t, err)

	dispatch(w, t0)
	dispatch(w, t0)
	assert.Equal(t, 2, w.Snapshot().RequestCount)

	later := t0.Add(3 * time.Second)
	assert.Zero(t, w.Delay(later))
	w.Admit(later)

	s := w.Snapshot()
	assert.Equal(t, later, s.WindowStart)
	assert.Equal(t, 1, s.RequestCount)
}

func TestWindow_RateAndSpacingBounds(t *testing.T) {
	for _, cfg := range []struct{ rps, burst int }{{1, 1}, {2, 2}, {3, 3}, {5, 2}, {10, 10}, {4, 8}, {3, 5}, {7, 9}} {
		w, err := New(cfg.rps, cfg.burst, nil)
		require.NoError(t, err)

		var times []time.Time
		now := t0
		for i := 0; i < 40; i++ {
			now = dispatch(w, now)
			times = append(times, now)
		}

		minInterval := time.Second / time.Duration(cfg.rps)
		for i := 1; i < len(times); i++ {
			assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), minInterval, "rps=%d burst=%d i=%d", cfg.rps, cfg.burst, i)
		}

		// No more than burst dispatches fall in any window starting at a dispatch.
		for i := range times {
			count := 0
			for j := i; j < len(times) && times[j].Sub(times[i]) < time.Second; j++ {
				count++
			}
			assert.LessOrEqual(t, count, cfg.burst, "rps=%d burst=%d i=%d", cfg.rps, cfg.burst, i)
		}

		// The (R+1)-th dispatch is at least one second after the first.
		if len(times) > cfg.rps {
			assert.GreaterOrEqual(t, times[cfg.rps].Sub(times[0]), time.Second)
		}
	}
}

func TestWindow_AwaitAdmissionWithMockClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(t0)

	w, err := New(2, 2, mock)
	require.NoError(t, err)

	waited, err := w.AwaitAdmission(context.Background())
	require.NoError(t, err)
	assert.Zero(t, waited)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := w.AwaitAdmission(context.Background())
		assert.NoError(t, err)
	}()

	// Keep advancing the clock until the waiting admission goes through.
	for stop := false; !stop; {
		select {
		case <-done:
			stop = true
		case <-time.After(time.Millisecond):
			mock.Add(ms(10))
		}
	}

	s := w.Snapshot()
	assert.Equal(t, 2, s.RequestCount)
	assert.GreaterOrEqual(t, s.LastRequestTime.Sub(t0), ms(500))
}

func TestWindow_AwaitHonoursContext(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(t0)

	w, err := New(1, 1, mock)
	require.NoError(t, err)
	w.Admit(t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = w.AwaitAdmission(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, w.Snapshot().RequestCount)
}
