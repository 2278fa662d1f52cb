package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EchoID is the id the builtin echo agent registers under.
const EchoID = "echo"

// Echo returns the prompt unchanged. It understands two parameters, which
// makes it useful for smoke-testing schedules:
//
//	delay: Go duration to wait before answering (honours cancellation)
//	fail:  error message to fail with instead of answering
func Echo() Invocable {
	return InvocableFunc(func(ctx context.Context, req Request, sink ProgressSink) (Result, error) {
		sink.Report("echo.started", map[string]any{"model": req.Model})

		if raw, ok := req.Parameters["delay"].(string); ok && raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return Result{}, fmt.Errorf("echo: bad delay %q: %w", raw, err)
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-t.C:
			}
		}
		if msg, ok := req.Parameters["fail"].(string); ok && msg != "" {
			return Result{}, errors.New(msg)
		}

		sink.Report("echo.done", nil)
		return Result{Output: req.Prompt}, nil
	})
}
