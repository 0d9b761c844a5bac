// Package location is the boundary to the device's positioning capability.
// The connection layer depends only on the Source interface; real builds plug
// in a platform binding, tests and the demo daemon use the fakes in this
// package.
package location

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when the user refused location access.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrUnavailable is returned when no position can be produced.
	ErrUnavailable = errors.New("location unavailable")
)

// Accuracy selects the platform sampling profile.
type Accuracy int

const (
	AccuracyLow Accuracy = iota
	AccuracyBalanced
	AccuracyHigh
)

// Position is one GPS sample.
type Position struct {
	Lat float64
	Lng float64
}

// WatchOptions throttle continuous sampling at the platform level.
type WatchOptions struct {
	Accuracy    Accuracy
	MinInterval time.Duration
	MinDistance float64 // meters
}

// Subscription is a handle on a running watch.
type Subscription interface {
	Cancel()
}

// Source supplies one-shot and continuous position samples.
type Source interface {
	// RequestPermission asks the user for foreground location access.
	RequestPermission(ctx context.Context) error
	// Current returns one position sample.
	Current(ctx context.Context) (Position, error)
	// Watch invokes fn for every sample passing the options' thresholds
	// until the subscription is cancelled.
	Watch(opts WatchOptions, fn func(Position)) (Subscription, error)
}

// cancelFunc adapts a plain function to Subscription.
type cancelFunc func()

func (f cancelFunc) Cancel() { f() }
