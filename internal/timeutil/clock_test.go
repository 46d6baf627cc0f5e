package timeutil

import (
	"testing"
	"time"
)

func TestFixedClock(t *testing.T) {
	at := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	c := FixedClock{T: at}
	if !c.Now().Equal(at) {
		t.Errorf("Now() = %v, want %v", c.Now(), at)
	}
}

func TestToday(t *testing.T) {
	c := FixedClock{T: time.Date(2025, 3, 14, 23, 59, 0, 0, time.UTC)}
	want := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	if got := Today(c); !got.Equal(want) {
		t.Errorf("Today() = %v, want %v", got, want)
	}
}

func TestTodayNilUsesRealClock(t *testing.T) {
	got := Today(nil)
	if got.Hour() != 0 || got.Location() != time.UTC {
		t.Errorf("Today(nil) = %v, want UTC midnight", got)
	}
}
