package client

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Source produces raw microphone samples. Start hands every sample buffer to
// emit from the device's own thread; emit must not block.
type Source interface {
	Start(emit func(samples []byte)) error
	Stop() error
}

// CaptureConfig sets the PCM frame geometry.
type CaptureConfig struct {
	SampleRate    int           // default 16000
	FrameDuration time.Duration // default 20ms
	Backlog       int           // frames buffered toward the controller, default 32
}

func (c *CaptureConfig) defaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.Backlog <= 0 {
		c.Backlog = 32
	}
}

// Capture slices the raw sample stream into fixed-duration 16-bit PCM frames
// on its own goroutine, keeping sampling-rate-sensitive work off the
// controller. Frames are handed over a bounded channel; when the consumer
// falls behind, new frames are dropped and counted rather than queued without
// bound.
type Capture struct {
	source Source
	cfg    CaptureConfig

	frameBytes int
	raw        chan []byte
	frames     chan []byte
	done       chan struct{}
	dropped    atomic.Int64

	mu      sync.Mutex
	running bool
	partial []byte
}

func NewCapture(source Source, cfg CaptureConfig) *Capture {
	cfg.defaults()

	c := &Capture{
		source:     source,
		cfg:        cfg,
		frameBytes: 2 * cfg.SampleRate * int(cfg.FrameDuration) / int(time.Second),
		raw:        make(chan []byte, cfg.Backlog),
		frames:     make(chan []byte, cfg.Backlog),
		done:       make(chan struct{}),
	}
	go c.frameLoop()
	return c
}

// Start begins pulling from the source. Safe to call again after Stop.
func (c *Capture) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.partial = c.partial[:0]
	c.mu.Unlock()

	return c.source.Start(c.push)
}

// Stop halts the source. Any partial frame is discarded.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	return c.source.Stop()
}

// Frames is the channel of complete fixed-size PCM frames.
func (c *Capture) Frames() <-chan []byte {
	return c.frames
}

// Dropped reports frames and sample buffers discarded under backpressure.
func (c *Capture) Dropped() int64 {
	return c.dropped.Load()
}

// push runs on the device thread; it must never block.
func (c *Capture) push(samples []byte) {
	buf := make([]byte, len(samples))
	copy(buf, samples)
	select {
	case c.raw <- buf:
	default:
		c.dropped.Add(1)
	}
}

// Close stops the framing goroutine. Stop the source first; samples pushed
// after Close are discarded.
func (c *Capture) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Capture) frameLoop() {
	for {
		var samples []byte
		select {
		case <-c.done:
			return
		case samples = <-c.raw:
		}

		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			continue
		}
		c.partial = append(c.partial, samples...)
		var complete [][]byte
		for len(c.partial) >= c.frameBytes {
			frame := make([]byte, c.frameBytes)
			copy(frame, c.partial[:c.frameBytes])
			c.partial = c.partial[c.frameBytes:]
			complete = append(complete, frame)
		}
		c.mu.Unlock()

		for _, frame := range complete {
			select {
			case c.frames <- frame:
			default:
				c.dropped.Add(1)
			}
		}
	}
}

// PCM16FromFloat32 converts float samples in [-1, 1] to little-endian signed
// 16-bit PCM, clamping out-of-range values.
func PCM16FromFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v*32767))))
	}
	return out
}
