package refresh

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// Revalidator calls fn every interval until ctx is done.
type Revalidator struct {
	interval time.Duration
	fn       func(ctx context.Context)
	log      logr.Logger
}

func NewRevalidator(interval time.Duration, fn func(ctx context.Context), log logr.Logger) *Revalidator {
	return &Revalidator{interval: interval, fn: fn, log: log}
}

func (r *Revalidator) Run(ctx context.Context) {
	if r.interval <= 0 {
		r.log.Info("periodic revalidation disabled")
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.fn(ctx)
		}
	}
}
