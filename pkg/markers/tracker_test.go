package markers

import (
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
)

// recordingClock captures AfterFunc callbacks so tests can fire them at will.
type recordingClock struct {
	clock.Clock
	mu        sync.Mutex
	callbacks []func()
}

type noopTimer struct{}

func (noopTimer) Chan() <-chan time.Time   { return nil }
func (noopTimer) Reset(time.Duration) bool { return true }
func (noopTimer) Stop() bool               { return true }

func (c *recordingClock) AfterFunc(_ time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, f)
	return noopTimer{}
}

func (c *recordingClock) captured() []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]func(){}, c.callbacks...)
}

func TestTracker_NewExpiresAfterWindow(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	tr := NewTracker(WithClock(clk))

	tr.MarkNew("q1")
	require.True(t, tr.IsNew("q1"))
	require.NoError(t, clk.WaitAdvance(9*time.Second, time.Second, 1))
	require.True(t, tr.IsNew("q1"))

	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))
	require.Eventually(t, func() bool { return !tr.IsNew("q1") }, time.Second, 5*time.Millisecond)
	require.Zero(t, tr.Pending())
}

func TestTracker_RemarkRestartsWindow(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	tr := NewTracker(WithClock(clk))

	tr.MarkNew("q1")
	require.NoError(t, clk.WaitAdvance(9*time.Second, time.Second, 1))
	tr.MarkNew("q1")

	// t=15: the first window would have closed at 10
	require.NoError(t, clk.WaitAdvance(6*time.Second, time.Second, 1))
	require.True(t, tr.IsNew("q1"))

	// t=20: the restarted window closed at 19
	require.NoError(t, clk.WaitAdvance(5*time.Second, time.Second, 1))
	require.Eventually(t, func() bool { return !tr.IsNew("q1") }, time.Second, 5*time.Millisecond)
}

func TestTracker_KindsAreExclusive(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	tr := NewTracker(WithClock(clk))

	tr.MarkNew("q1")
	tr.MarkUpdated("q1")
	require.False(t, tr.IsNew("q1"))
	require.True(t, tr.IsUpdated("q1"))
	require.Equal(t, []string{}, tr.New())
	require.Equal(t, []string{"q1"}, tr.Updated())
	require.Equal(t, 1, tr.Pending())

	expired := make(chan Kind, 1)
	tr.OnChange(func(id string, kind Kind) { expired <- kind })
	require.NoError(t, clk.WaitAdvance(DefaultUpdatedTTL, time.Second, 1))
	select {
	case k := <-expired:
		require.Equal(t, KindUpdated, k)
	case <-time.After(time.Second):
		t.Fatal("updated marker did not expire")
	}
	require.False(t, tr.IsUpdated("q1"))
}

func TestTracker_CapturedCallbackAfterClearAllIsNoop(t *testing.T) {
	clk := &recordingClock{}
	tr := NewTracker(WithClock(clk))
	var changes int
	tr.OnChange(func(string, Kind) { changes++ })

	tr.MarkNew("q1")
	tr.MarkUpdated("q2")
	tr.ClearAll()
	require.Zero(t, tr.Pending())

	tr.MarkNew("q1")
	for _, cb := range clk.captured()[:2] {
		cb()
	}
	require.Zero(t, changes)
	require.True(t, tr.IsNew("q1"), "stale callback must not clear a fresh marker")

	clk.captured()[2]()
	require.Equal(t, 1, changes)
	require.False(t, tr.IsNew("q1"))
}

func TestTracker_PendingBoundedByDistinctIDs(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	tr := NewTracker(WithClock(clk))

	for i := 0; i < 50; i++ {
		tr.MarkNew("a")
		tr.MarkUpdated("b")
		tr.MarkNew("c")
	}
	require.Equal(t, 3, tr.Pending())

	tr.ClearAll()
	require.Zero(t, tr.Pending())
	require.Empty(t, tr.New())
	tr.MarkNew("")
	require.Zero(t, tr.Pending())
}
