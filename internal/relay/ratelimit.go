package relay

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// NewLimiter returns a limiter allowing bytesPerSec with a one second
// burst, or nil when bytesPerSec is not positive.
func NewLimiter(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := bytesPerSec
	if burst < copyBufferSize {
		burst = copyBufferSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
