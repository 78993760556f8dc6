package clock

import (
	"testing"
	"time"
)

func TestVirtual_AdvanceAndSet(t *testing.T) {
	epoch := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	vc := NewVirtual(epoch)

	if got := vc.Now(); !got.Equal(epoch) {
		t.Errorf("Now() = %v, want %v", got, epoch)
	}

	vc.Advance(90 * time.Second)
	if got := vc.Now().Sub(epoch); got != 90*time.Second {
		t.Errorf("elapsed after Advance = %v, want 90s", got)
	}

	later := epoch.Add(time.Hour)
	vc.Set(later)
	if got := vc.Now(); !got.Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", got, later)
	}
}

func TestVirtual_PanicsOnTimeTravel(t *testing.T) {
	vc := NewVirtual(time.Unix(1000, 0))

	defer func() {
		if recover() == nil {
			t.Error("Set() into the past should panic")
		}
	}()
	vc.Set(time.Unix(999, 0))
}
