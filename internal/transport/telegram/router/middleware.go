package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "carbonbot/pkg/logx"
)

const TextFailed = "⚠️ Something went wrong, please try again."

// slowRequest promotes successful request logs from debug to info.
const slowRequest = 750 * time.Millisecond

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] is the outermost middleware.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// Timeout bounds the handler's context; d <= 0 leaves it unbounded.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// Recover turns a handler panic into an error and tells the chat the
// request failed. The chat lane keeps running.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				req.Logger.Error("handler panic recovered",
					logx.Any("panic", p),
					logx.String("stack", string(debug.Stack())),
				)
				if req.Adapter != nil {
					_ = req.Reply(context.WithoutCancel(ctx), TextFailed, nil)
				}
				err = fmt.Errorf("panic: %v", p)
			}()
			return next(ctx, req)
		}
	}
}

// Log records one line per request with its outcome and duration.
func Log() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.Duration("took", took),
			}
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				req.Logger.Warn("request timed out", append(fields, logx.Err(err))...)
			case err != nil:
				req.Logger.Warn("request failed", append(fields, logx.Err(err))...)
			case took >= slowRequest:
				req.Logger.Info("request ok", fields...)
			default:
				req.Logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}
