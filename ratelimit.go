package weft

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// limitWriter throttles w to the configured stream rate.
func (w *Worker) limitWriter(ctx context.Context, wr io.Writer) io.Writer {
	if w.config.streamRate == rate.Inf {
		return wr
	}
	return &limitedWriter{
		ctx: ctx,
		w:   wr,
		lim: rate.NewLimiter(w.config.streamRate, w.config.streamBurst),
	}
}

// limitReader throttles r to the configured stream rate.
func (w *Worker) limitReader(ctx context.Context, r io.Reader) io.Reader {
	if w.config.streamRate == rate.Inf {
		return r
	}
	return &limitedReader{
		ctx: ctx,
		r:   r,
		lim: rate.NewLimiter(w.config.streamRate, w.config.streamBurst),
	}
}

type limitedWriter struct {
	ctx context.Context
	w   io.Writer
	lim *rate.Limiter
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		chunk := min(len(p), lw.lim.Burst())
		if err := lw.lim.WaitN(lw.ctx, chunk); err != nil {
			return written, err
		}
		n, err := lw.w.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}

type limitedReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if len(p) > lr.lim.Burst() {
		p = p[:lr.lim.Burst()]
	}
	n, err := lr.r.Read(p)
	if n > 0 {
		if werr := lr.lim.WaitN(lr.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}
