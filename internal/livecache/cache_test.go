package livecache_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/callwarden/callwarden/internal/livecache"
)

func TestCache_InitialSnapshot(t *testing.T) {
	t.Parallel()
	c := livecache.New(0.8)
	c.Init("s1")

	st, err := c.Get("s1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if st.Probability != 0 || st.IsScam || st.SegmentIndex != -1 || st.Degraded {
		t.Errorf("initial snapshot = %+v, want prob 0, not flagged, index -1", st)
	}
}

func TestCache_UnknownSession(t *testing.T) {
	t.Parallel()
	c := livecache.New(0.8)
	if _, err := c.Get("ghost"); !errors.Is(err, livecache.ErrSessionNotFound) {
		t.Fatalf("Get() err = %v, want ErrSessionNotFound", err)
	}
	if err := c.Apply("ghost", livecache.Update{}); !errors.Is(err, livecache.ErrSessionNotFound) {
		t.Fatalf("Apply() err = %v, want ErrSessionNotFound", err)
	}
}

func TestCache_MonotoneUpdates(t *testing.T) {
	t.Parallel()
	c := livecache.New(0.8)
	c.Init("s1")

	// Results arrive out of order: index 1 first, then 0, then 2.
	steps := []struct {
		u            livecache.Update
		wantProb     float64
		wantScam     bool
		wantIndex    int
		wantDegraded bool
	}{
		{livecache.Update{SegmentIndex: 1, Probability: 0.3}, 0.3, false, 1, false},
		// Lower index arriving later must not regress the displayed index,
		// but its higher probability still counts.
		{livecache.Update{SegmentIndex: 0, Probability: 0.9}, 0.9, true, 1, false},
		// Lower probability for a later segment must not drop the snapshot.
		{livecache.Update{SegmentIndex: 2, Probability: 0.1}, 0.9, true, 2, false},
	}
	for i, step := range steps {
		if err := c.Apply("s1", step.u); err != nil {
			t.Fatalf("step %d: Apply() error: %v", i, err)
		}
		st, err := c.Get("s1")
		if err != nil {
			t.Fatalf("step %d: Get() error: %v", i, err)
		}
		if st.Probability != step.wantProb {
			t.Errorf("step %d: Probability = %v, want %v", i, st.Probability, step.wantProb)
		}
		if st.IsScam != step.wantScam {
			t.Errorf("step %d: IsScam = %v, want %v", i, st.IsScam, step.wantScam)
		}
		if st.SegmentIndex != step.wantIndex {
			t.Errorf("step %d: SegmentIndex = %d, want %d", i, st.SegmentIndex, step.wantIndex)
		}
		if st.Degraded != step.wantDegraded {
			t.Errorf("step %d: Degraded = %v, want %v", i, st.Degraded, step.wantDegraded)
		}
	}
}

func TestCache_FailedUpdateSetsDegradedOnly(t *testing.T) {
	t.Parallel()
	c := livecache.New(0.8)
	c.Init("s1")

	if err := c.Apply("s1", livecache.Update{SegmentIndex: 0, Probability: 0.4}); err != nil {
		t.Fatal(err)
	}
	// A failed segment carries no probability: it must not raise or lower the
	// score, only mark the snapshot as degraded.
	if err := c.Apply("s1", livecache.Update{SegmentIndex: 1, Failed: true, Probability: 0.99}); err != nil {
		t.Fatal(err)
	}

	st, _ := c.Get("s1")
	if !st.Degraded {
		t.Error("Degraded = false, want true after a failed segment")
	}
	if st.Probability != 0.4 {
		t.Errorf("Probability = %v, want 0.4 (failure contributes no value)", st.Probability)
	}
	if st.IsScam {
		t.Error("IsScam = true, want false")
	}
	if st.SegmentIndex != 1 {
		t.Errorf("SegmentIndex = %d, want 1 (failed results still advance the index)", st.SegmentIndex)
	}
}

func TestCache_ThresholdFlagIsSticky(t *testing.T) {
	t.Parallel()
	c := livecache.New(0.5)
	c.Init("s1")

	_ = c.Apply("s1", livecache.Update{SegmentIndex: 0, Probability: 0.6})
	_ = c.Apply("s1", livecache.Update{SegmentIndex: 1, Probability: 0.1})

	st, _ := c.Get("s1")
	if !st.IsScam {
		t.Error("IsScam = false; once flagged a session never un-flags")
	}
}

func TestCache_ConcurrentApplyNeverRegresses(t *testing.T) {
	t.Parallel()
	c := livecache.New(0.8)
	c.Init("s1")

	const writers = 16
	const perWriter = 100
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				idx := w*perWriter + i
				_ = c.Apply("s1", livecache.Update{
					SegmentIndex: idx,
					Probability:  float64(idx) / float64(writers*perWriter),
				})
			}
		}(w)
	}
	wg.Wait()

	st, err := c.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	wantProb := float64(writers*perWriter-1) / float64(writers*perWriter)
	if st.Probability != wantProb {
		t.Errorf("Probability = %v, want max applied %v", st.Probability, wantProb)
	}
	if st.SegmentIndex != writers*perWriter-1 {
		t.Errorf("SegmentIndex = %d, want %d", st.SegmentIndex, writers*perWriter-1)
	}
}

func TestCache_RemoveAndLen(t *testing.T) {
	t.Parallel()
	c := livecache.New(0.8)
	for i := 0; i < 10; i++ {
		c.Init(fmt.Sprintf("s%d", i))
	}
	if c.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", c.Len())
	}
	c.Remove("s3")
	if c.Len() != 9 {
		t.Errorf("Len() = %d after Remove, want 9", c.Len())
	}
	if _, err := c.Get("s3"); !errors.Is(err, livecache.ErrSessionNotFound) {
		t.Errorf("Get() after Remove err = %v, want ErrSessionNotFound", err)
	}
}
