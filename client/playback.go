package client

import (
	"log"
	"sync/atomic"
	"time"
)

// Sink plays decoded PCM. Play may block until the device accepted the buffer;
// the playback worker calls it sequentially.
type Sink interface {
	Play(pcm []byte) error
}

// Playback keeps an ordered queue of decoded PCM buffers and plays them
// strictly one after another. Once the queue empties and no new buffer arrives
// within the quiescence window, it signals drained — the debounce guards
// against chunk-arrival jitter mid-reply.
type Playback struct {
	sink       Sink
	quiescence time.Duration

	queue    chan []byte
	drainedC chan struct{}
	done     chan struct{}
	dropped  atomic.Int64
}

func NewPlayback(sink Sink, quiescence time.Duration, backlog int) *Playback {
	if quiescence <= 0 {
		quiescence = 300 * time.Millisecond
	}
	if backlog <= 0 {
		backlog = 256
	}

	p := &Playback{
		sink:       sink,
		quiescence: quiescence,
		queue:      make(chan []byte, backlog),
		drainedC:   make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go p.worker()
	return p
}

// Enqueue appends a buffer to the play queue. A full queue drops the buffer
// rather than blocking the socket reader.
func (p *Playback) Enqueue(pcm []byte) {
	select {
	case p.queue <- pcm:
	default:
		p.dropped.Add(1)
		log.Printf("⚠️ Playback queue full, dropping %d bytes", len(pcm))
	}
}

// Drained signals each time playback finishes and the quiescence window
// elapses with no new audio.
func (p *Playback) Drained() <-chan struct{} {
	return p.drainedC
}

// Dropped reports buffers discarded because the queue was full.
func (p *Playback) Dropped() int64 {
	return p.dropped.Load()
}

// Reset discards any queued audio without stopping the worker.
func (p *Playback) Reset() {
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

// Close stops the worker. Pending audio is discarded.
func (p *Playback) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *Playback) worker() {
	var idle *time.Timer
	var idleC <-chan time.Time

	stopIdle := func() {
		if idle != nil {
			idle.Stop()
			idle = nil
			idleC = nil
		}
	}

	for {
		select {
		case <-p.done:
			stopIdle()
			return

		case buf := <-p.queue:
			stopIdle()
			if err := p.sink.Play(buf); err != nil {
				log.Printf("❌ Playback sink error: %v", err)
			}
			// Arm the quiescence window only once the queue runs dry.
			if len(p.queue) == 0 {
				idle = time.NewTimer(p.quiescence)
				idleC = idle.C
			}

		case <-idleC:
			idle = nil
			idleC = nil
			select {
			case p.drainedC <- struct{}{}:
			default:
			}
		}
	}
}
