package tgclient

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"
)

// RateLimit ограничивает частоту RPC одного аккаунта.
func RateLimit(perSec float64, burst int) telegram.Middleware {
	return rateLimit(rate.NewLimiter(rate.Limit(perSec), burst))
}

func rateLimit(l *rate.Limiter) telegram.Middleware {
	return telegram.MiddlewareFunc(func(next tg.Invoker) telegram.InvokeFunc {
		return func(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
			if err := l.Wait(ctx); err != nil {
				return errors.Wrap(err, "rate limit")
			}
			return next.Invoke(ctx, input, output)
		}
	})
}
