package location

import (
	"context"
	"sync"
	"time"
)

// Static always reports the same position. Used as the no-permission fallback
// in the daemon and as a trivial source in tests.
type Static struct {
	Pos    Position
	Denied bool
}

func (s *Static) RequestPermission(ctx context.Context) error {
	if s.Denied {
		return ErrPermissionDenied
	}
	return nil
}

func (s *Static) Current(ctx context.Context) (Position, error) {
	if s.Denied {
		return Position{}, ErrPermissionDenied
	}
	return s.Pos, nil
}

func (s *Static) Watch(opts WatchOptions, fn func(Position)) (Subscription, error) {
	if s.Denied {
		return nil, ErrPermissionDenied
	}
	return cancelFunc(func() {}), nil
}

// Replay walks a scripted track at a fixed cadence, for demos and tests.
// It ignores the watch thresholds; scripts are assumed to be pre-throttled.
type Replay struct {
	Track    []Position
	Interval time.Duration
	Loop     bool
}

func (r *Replay) RequestPermission(ctx context.Context) error { return nil }

func (r *Replay) Current(ctx context.Context) (Position, error) {
	if len(r.Track) == 0 {
		return Position{}, ErrUnavailable
	}
	return r.Track[0], nil
}

func (r *Replay) Watch(opts WatchOptions, fn func(Position)) (Subscription, error) {
	if len(r.Track) == 0 {
		return nil, ErrUnavailable
	}
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn(r.Track[i])
				i++
				if i == len(r.Track) {
					if !r.Loop {
						return
					}
					i = 0
				}
			}
		}
	}()

	var once sync.Once
	return cancelFunc(func() {
		once.Do(func() { close(stop) })
	}), nil
}
