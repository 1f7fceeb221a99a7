package gatt

import (
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// DefaultHistorySize is the Recorder capacity used for non-positive sizes.
const DefaultHistorySize = 128

// Recorder is an EventSink keeping the most recent events in an overlapped ring.
// Older events are overwritten once the ring is full.
type Recorder struct {
	ring        mpmc.RichOverlappedRingBuffer[Event]
	recorded    atomic.Int64
	overwritten atomic.Int64
	logger      *logrus.Logger
}

// NewRecorder creates a Recorder holding up to size events.
// The ring rounds size up to a power of two.
func NewRecorder(size int, logger *logrus.Logger) *Recorder {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Recorder{
		ring:   mpmc.NewOverlappedRingBuffer[Event](uint32(size)),
		logger: logger,
	}
}

// Emit stores e, overwriting the oldest entry when full.
func (r *Recorder) Emit(e Event) {
	overwrites, err := r.ring.EnqueueM(e)
	if err != nil {
		r.logger.WithError(err).WithField("action", e.Action).Warn("Failed to record event")
		return
	}
	r.recorded.Add(1)
	r.overwritten.Add(int64(overwrites))
}

// Drain removes and returns the buffered events, oldest first.
func (r *Recorder) Drain() []Event {
	var out []Event
	for !r.ring.IsEmpty() {
		e, err := r.ring.Dequeue()
		if err != nil {
			break
		}
		out = append(out, e)
	}
	return out
}

// Recorded returns how many events were accepted.
func (r *Recorder) Recorded() int64 {
	return r.recorded.Load()
}

// Overwritten returns how many events were lost to overflow.
func (r *Recorder) Overwritten() int64 {
	return r.overwritten.Load()
}
