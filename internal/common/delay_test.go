package common

import (
	"context"
	"testing"
	"time"
)

func TestJitterStaysInRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := Jitter(3*time.Second, time.Second, 500*time.Millisecond)
		if d < 2*time.Second || d > 4*time.Second {
			t.Fatalf("задержка вне диапазона: %v", d)
		}
	}
	if d := Jitter(100*time.Millisecond, 0, 200*time.Millisecond); d != 200*time.Millisecond {
		t.Fatalf("нижняя граница не применена: %v", d)
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(10*time.Second, time.Second, 5*time.Second); got != 5*time.Second {
		t.Fatalf("got %v", got)
	}
	if got := Clamp(0, time.Second, 5*time.Second); got != time.Second {
		t.Fatalf("got %v", got)
	}
}

func TestSleepCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); err != context.Canceled {
		t.Fatalf("ожидали context.Canceled, получили %v", err)
	}
}
