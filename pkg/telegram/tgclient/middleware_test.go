package tgclient

import (
	"context"
	"testing"
	"time"

	"github.com/gotd/td/bin"
	"golang.org/x/time/rate"
)

type countingInvoker struct{ calls int }

func (c *countingInvoker) Invoke(context.Context, bin.Encoder, bin.Decoder) error {
	c.calls++
	return nil
}

func TestRateLimitMiddleware(t *testing.T) {
	next := &countingInvoker{}
	invoke := rateLimit(rate.NewLimiter(rate.Every(time.Hour), 1)).Handle(next)

	if err := invoke(context.Background(), nil, nil); err != nil {
		t.Fatalf("первый вызов укладывается в burst: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := invoke(ctx, nil, nil); err == nil {
		t.Fatalf("второй вызов должен упереться в лимит и отменённый контекст")
	}
	if next.calls != 1 {
		t.Fatalf("ожидали один вызов RPC, получили %d", next.calls)
	}
}
