package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/quadruped-control/qcc/internal/device"
)

// ErrSubscriptionClosed is returned from Pull after Close.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Stats is a snapshot of hub counters.
type Stats struct {
	SamplesPublished uint64
	FramesPublished  uint64
	FramesDelivered  uint64
	FramesDropped    uint64
	Subscribers      int
}

// Hub distributes telemetry samples and video frames from the single
// producer (the supervisor's read loop) to any number of readers.
type Hub struct {
	mu     sync.RWMutex
	latest map[string]device.TelemetrySample
	subs   map[string]*VideoSubscription
	depth  int

	samplesPublished atomic.Uint64
	framesPublished  atomic.Uint64
	framesDelivered  atomic.Uint64
	framesDropped    atomic.Uint64
}

// NewHub creates a hub whose video subscriptions buffer at most depth
// frames each.
func NewHub(depth int) *Hub {
	if depth < 1 {
		depth = 1
	}
	return &Hub{
		latest: make(map[string]device.TelemetrySample),
		subs:   make(map[string]*VideoSubscription),
		depth:  depth,
	}
}

// PublishSample records the newest sample for its topic. No history is
// kept.
func (h *Hub) PublishSample(sample device.TelemetrySample) {
	h.mu.Lock()
	h.latest[sample.Topic] = sample
	h.mu.Unlock()
	h.samplesPublished.Add(1)
}

// Latest returns the most recent sample for the topic, or false when
// nothing has been published yet. A gap in telemetry means a stale or
// missing sample, never an error.
func (h *Hub) Latest(topic string) (device.TelemetrySample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sample, ok := h.latest[topic]
	return sample, ok
}

// PublishFrame fans the frame out to every video subscriber without
// blocking. A subscriber whose buffer is full loses its oldest frame.
func (h *Hub) PublishFrame(frame device.VideoFrame) {
	h.framesPublished.Add(1)

	h.mu.RLock()
	subs := make([]*VideoSubscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.offer(frame)
	}
}

// SubscribeVideo registers a new video reader. The caller must Close the
// subscription when done.
func (h *Hub) SubscribeVideo() *VideoSubscription {
	sub := &VideoSubscription{
		id:     uuid.NewString(),
		frames: make(chan device.VideoFrame, h.depth),
		closed: make(chan struct{}),
		hub:    h,
	}
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	subscribers := len(h.subs)
	h.mu.RUnlock()
	return Stats{
		SamplesPublished: h.samplesPublished.Load(),
		FramesPublished:  h.framesPublished.Load(),
		FramesDelivered:  h.framesDelivered.Load(),
		FramesDropped:    h.framesDropped.Load(),
		Subscribers:      subscribers,
	}
}

// Close closes every open subscription, unblocking their readers. Used
// at shutdown; the hub itself carries no other resources.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*VideoSubscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// VideoSubscription is one reader's registration with the hub. Owned by
// the reader; frames it cannot keep up with are dropped oldest-first so
// end-to-end latency stays bounded.
type VideoSubscription struct {
	id     string
	frames chan device.VideoFrame
	closed chan struct{}
	once   sync.Once
	hub    *Hub

	dropped atomic.Uint64
}

// Pull blocks until the next frame is available, the subscription is
// closed, or ctx is done. A subscriber that fell behind resumes at the
// newest buffered frame.
func (s *VideoSubscription) Pull(ctx context.Context) (device.VideoFrame, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.closed:
		return device.VideoFrame{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return device.VideoFrame{}, ctx.Err()
	}
}

// Dropped returns how many frames this subscriber has lost to overflow.
func (s *VideoSubscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription. Pending Pull calls return
// ErrSubscriptionClosed.
func (s *VideoSubscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s.id)
		close(s.closed)
	})
}

// offer places the frame in the buffer, evicting the oldest entry when
// full. The newest frame is never the one dropped.
func (s *VideoSubscription) offer(frame device.VideoFrame) {
	select {
	case <-s.closed:
		return
	default:
	}

	for {
		select {
		case s.frames <- frame:
			s.hub.framesDelivered.Add(1)
			return
		default:
		}
		// Buffer full: evict the oldest frame and retry.
		select {
		case <-s.frames:
			s.dropped.Add(1)
			s.hub.framesDropped.Add(1)
		default:
		}
	}
}
