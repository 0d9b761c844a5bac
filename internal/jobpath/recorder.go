// Package jobpath accumulates the route travelled during one active job.
// Samples are throttled by time and displacement so the stored polyline stays
// usable without recording every GPS jitter.
package jobpath

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"renat/internal/geo"
)

const (
	// DefaultMinInterval is the shortest gap between accepted samples.
	DefaultMinInterval = 3 * time.Second
	// DefaultMinDistanceM is the smallest displacement worth recording.
	DefaultMinDistanceM = 5.0
	// DefaultMaxPoints bounds the route buffer for one job.
	DefaultMaxPoints = 1000
)

// Point is one accepted route sample.
type Point struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"-"`
}

type Config struct {
	MinInterval  time.Duration
	MinDistanceM float64
	MaxPoints    int
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Recorder is a bounded ring of route points for the currently active job.
// The buffer lives only for the job's duration; Snapshot exports it for
// submission and Reset discards it.
type Recorder struct {
	mu sync.Mutex

	minInterval  time.Duration
	minDistanceM float64
	maxPoints    int
	now          func() time.Time

	// Ring storage: head is the oldest element once the buffer wrapped.
	buf   []Point
	head  int
	count int

	lastAccepted time.Time
	hasLast      bool
	lastLat      float64
	lastLng      float64
}

func NewRecorder(cfg Config) *Recorder {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.MinDistanceM <= 0 {
		cfg.MinDistanceM = DefaultMinDistanceM
	}
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = DefaultMaxPoints
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Recorder{
		minInterval:  cfg.MinInterval,
		minDistanceM: cfg.MinDistanceM,
		maxPoints:    cfg.MaxPoints,
		now:          cfg.Now,
		buf:          make([]Point, 0, cfg.MaxPoints),
	}
}

// Reset empties the buffer and the throttling bookkeeping, for job start,
// cancel and completion.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = r.buf[:0]
	r.head = 0
	r.count = 0
	r.hasLast = false
	r.lastAccepted = time.Time{}
}

// RecordIfSignificant appends a sample when it is worth keeping: the first
// sample always, later ones only when BOTH the time and the distance
// thresholds pass. Returns whether the sample was accepted.
func (r *Recorder) RecordIfSignificant(lat, lng float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.hasLast {
		if now.Sub(r.lastAccepted) < r.minInterval {
			return false
		}
		if geo.DistanceMeters(r.lastLat, r.lastLng, lat, lng) < r.minDistanceM {
			return false
		}
	}

	r.append(Point{Lat: lat, Lng: lng, Timestamp: now.UnixMilli()})
	r.hasLast = true
	r.lastAccepted = now
	r.lastLat = lat
	r.lastLng = lng
	return true
}

func (r *Recorder) append(p Point) {
	if r.count < r.maxPoints {
		r.buf = append(r.buf, p)
		r.count++
		return
	}
	// Full: overwrite the oldest slot and advance the head.
	r.buf[r.head] = p
	r.head = (r.head + 1) % r.maxPoints
}

// Len returns the number of buffered points.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Snapshot returns the buffered route oldest-first.
func (r *Recorder) Snapshot() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Point, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// EncodeJSON serializes the route as a JSON array of {lat,lng} objects,
// one of the two formats the job API accepts.
func (r *Recorder) EncodeJSON() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}

// EncodeDelimited serializes the route as "lat,lng;lat,lng", the compact
// format of the job API.
func (r *Recorder) EncodeDelimited() string {
	points := r.Snapshot()
	var b strings.Builder
	for i, p := range points {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.FormatFloat(p.Lat, 'f', 6, 64))
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(p.Lng, 'f', 6, 64))
	}
	return b.String()
}
