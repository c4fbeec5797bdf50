package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "timechanbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("guild", req.GuildID),
				logx.String("channel", req.Message.ChannelID),
				logx.String("author", req.Message.AuthorID),
				logx.String("cmd", req.Command),
				logx.Int("args", len(req.Args)),
				logx.Duration("dur", d),
			}
			var ve *ValidationError
			switch {
			case errors.As(err, &ve):
				req.Logger.Info("command rejected", append(fields, logx.String("reply", ve.Reply))...)
			case err != nil:
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				req.Logger.Info("command ok", fields...)
			default:
				req.Logger.Debug("command ok", fields...)
			}
			return err
		}
	}
}
