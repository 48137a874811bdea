package transfer

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/pkg/retry"
)

// PartFunc writes one opened part to a destination
type PartFunc func(ctx context.Context, name string, r io.Reader) error

// EachPart returns a PartWriter that writes the parts of a partition in
// order with fn. The partition stops at its first failing part. Every opened
// stream is closed whether fn succeeds or not.
func EachPart(fn PartFunc) PartWriter {
	return eachPart(func(ctx context.Context, part Part) error {
		return writeOne(ctx, part, fn)
	})
}

// EachPartWithRetry is EachPart with every part retried under policy while
// fn fails transiently. Each attempt reopens the part, so fn always reads
// the stream from its start.
func EachPartWithRetry(policy errors.RetryConfig, fn PartFunc) PartWriter {
	return eachPart(func(ctx context.Context, part Part) error {
		err := policy.Retry(ctx, func() error {
			return writeOne(ctx, part, fn)
		})
		var nre *retry.NonRetryableError
		if stderrors.As(err, &nre) {
			return nre.Err
		}
		return err
	})
}

func eachPart(write func(ctx context.Context, part Part) error) PartWriter {
	return PartWriterFunc(func(ctx context.Context, parts []Part) Result {
		for _, part := range parts {
			if err := ctx.Err(); err != nil {
				return Failuref(StatusErrorRetry, "part %s: %v", part.Name(), err)
			}
			if err := write(ctx, part); err != nil {
				res := FromError(err)
				for i, m := range res.Messages {
					res.Messages[i] = fmt.Sprintf("part %s: %s", part.Name(), m)
				}
				return res
			}
		}
		return Success()
	})
}

func writeOne(ctx context.Context, part Part, fn PartFunc) error {
	stream, err := part.Open(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	return fn(ctx, part.Name(), stream)
}
