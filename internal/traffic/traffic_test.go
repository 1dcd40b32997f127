package traffic

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewTracker(clock.Now), clock
}

func TestTracker_Empty(t *testing.T) {
	tr, _ := newTestTracker()
	if got := tr.RequestCount(time.Minute); got != 0 {
		t.Errorf("RequestCount() = %d, want 0", got)
	}
	if errs, total := tr.ErrorRate(time.Minute); errs != 0 || total != 0 {
		t.Errorf("ErrorRate() = %d, %d, want 0, 0", errs, total)
	}
}

// TestTracker_ErrorRateExcludesDenied verifies denials count as requests but not in the
// error rate denominator.
func TestTracker_ErrorRateExcludesDenied(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Record(Success, 3)
	tr.Record(Error, 1)
	tr.Record(Denied, 5)

	if got := tr.RequestCount(time.Minute); got != 9 {
		t.Errorf("RequestCount() = %d, want 9", got)
	}
	if got := tr.DenialCount(time.Minute); got != 5 {
		t.Errorf("DenialCount() = %d, want 5", got)
	}
	if errs, total := tr.ErrorRate(time.Minute); errs != 1 || total != 4 {
		t.Errorf("ErrorRate() = %d, %d, want 1, 4", errs, total)
	}
}

// TestTracker_WindowSlides verifies outcomes leave the window once older than it.
func TestTracker_WindowSlides(t *testing.T) {
	tr, clock := newTestTracker()
	tr.Record(Error, 2)
	clock.Advance(30 * time.Second)
	tr.Record(Success, 1)

	if errs, total := tr.ErrorRate(time.Minute); errs != 2 || total != 3 {
		t.Errorf("ErrorRate(1m) = %d, %d, want 2, 3", errs, total)
	}
	if errs, total := tr.ErrorRate(10 * time.Second); errs != 0 || total != 1 {
		t.Errorf("ErrorRate(10s) = %d, %d, want 0, 1", errs, total)
	}

	clock.Advance(31 * time.Second)
	if errs, total := tr.ErrorRate(time.Minute); errs != 0 || total != 1 {
		t.Errorf("ErrorRate(1m) after slide = %d, %d, want 0, 1", errs, total)
	}
}

// TestTracker_RingReuse verifies a bucket is cleared when its slot comes round again.
func TestTracker_RingReuse(t *testing.T) {
	tr, clock := newTestTracker()
	tr.Record(Denied, 4)
	clock.Advance(MaxWindow)
	tr.Record(Success, 1)

	if got := tr.RequestCount(MaxWindow); got != 1 {
		t.Errorf("RequestCount() = %d, want 1", got)
	}
}

func TestTracker_WindowCappedAtMax(t *testing.T) {
	tr, clock := newTestTracker()
	tr.Record(Success, 1)
	clock.Advance(MaxWindow - time.Second)
	tr.Record(Success, 1)

	if got := tr.RequestCount(time.Hour); got != 2 {
		t.Errorf("RequestCount(1h) = %d, want 2", got)
	}
}

func TestTracker_IgnoresNonPositiveAndUnknown(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Record(Success, 0)
	tr.Record(Error, -3)
	tr.Record(Outcome(42), 1)
	if got := tr.RequestCount(time.Minute); got != 0 {
		t.Errorf("RequestCount() = %d, want 0", got)
	}
}

func TestTracker_Reset(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Record(Success, 2)
	tr.Record(Denied, 1)
	tr.Reset()
	if got := tr.RequestCount(time.Minute); got != 0 {
		t.Errorf("RequestCount() after Reset = %d, want 0", got)
	}
}

// TestDefaultTracker verifies the package-level helpers share one wall-clock tracker.
func TestDefaultTracker(t *testing.T) {
	Reset()
	defer Reset()

	RecordSuccess()
	RecordSuccessN(2)
	RecordError()
	RecordErrorN(2)
	RecordDenied()

	if got := RequestCount(time.Minute); got != 7 {
		t.Errorf("RequestCount() = %d, want 7", got)
	}
	if got := DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount() = %d, want 1", got)
	}
	if errs, total := ErrorRate(time.Minute); errs != 3 || total != 6 {
		t.Errorf("ErrorRate() = %d, %d, want 3, 6", errs, total)
	}
}
