package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/time/rate"
)

const copyBufferSize = 32 * 1024

// Stats reports bytes relayed by Pipe. Upstream counts bytes from a to b.
type Stats struct {
	Upstream   int64
	Downstream int64
}

type closeWriter interface {
	CloseWrite() error
}

// Pipe copies bytes between a and b in both directions until both sides
// reach EOF or ctx is done. When one side finishes sending, the other is
// half-closed if it supports CloseWrite, otherwise closed. Both a and b
// are closed when Pipe returns. A nil limiter disables rate limiting;
// otherwise each direction is throttled by it independently.
func Pipe(ctx context.Context, a, b io.ReadWriteCloser, limiter *rate.Limiter) (Stats, error) {
	var (
		stats Stats
		errMu sync.Mutex
		first error
		wg    sync.WaitGroup
	)
	record := func(err error) {
		if err == nil || isClosed(err) {
			return
		}
		errMu.Lock()
		if first == nil {
			first = err
		}
		errMu.Unlock()
	}

	var down *rate.Limiter
	if limiter != nil {
		down = rate.NewLimiter(limiter.Limit(), limiter.Burst())
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := copyLimited(ctx, b, a, limiter)
		stats.Upstream = n
		record(err)
		closeWrite(b)
	}()
	go func() {
		defer wg.Done()
		n, err := copyLimited(ctx, a, b, down)
		stats.Downstream = n
		record(err)
		closeWrite(a)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.Close()
		b.Close()
		<-done
		record(ctx.Err())
	}
	a.Close()
	b.Close()
	return stats, first
}

func closeWrite(c io.Closer) {
	if cw, ok := c.(closeWriter); ok {
		if cw.CloseWrite() == nil {
			return
		}
	}
	c.Close()
}

func copyLimited(ctx context.Context, dst io.Writer, src io.Reader, limiter *rate.Limiter) (int64, error) {
	if limiter == nil {
		return io.CopyBuffer(dst, src, make([]byte, copyBufferSize))
	}
	return io.CopyBuffer(dst, &limitedReader{ctx: ctx, r: src, limiter: limiter}, make([]byte, copyBufferSize))
}

// isClosed reports errors that just mean the other side went away.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
