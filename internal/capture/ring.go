package capture

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoBuffer means the surface has not rendered a new frame since the last acquire
	ErrNoBuffer = errors.New("no buffer available")

	// ErrSurfaceClosed is returned by surfaces after Close
	ErrSurfaceClosed = errors.New("surface closed")
)

// Buffer is one surface buffer checked out by a consumer. Close returns it
// to the surface's fixed pool and must be called exactly once.
type Buffer interface {
	Image() RawImage
	Timestamp() time.Time
	Close() error
}

type slotState int

const (
	slotFree slotState = iota
	slotFilled
	slotAcquired
)

type ringSlot struct {
	img   RawImage
	ts    time.Time
	seq   uint64
	state slotState
}

// BufferRing is a fixed-depth pool of surface buffers. A producer pushes
// rendered images, a consumer checks out the newest one. Older unconsumed
// images are recycled when a newer one is acquired, and the producer drops
// frames when every slot is checked out.
type BufferRing struct {
	mu      sync.Mutex
	slots   []*ringSlot
	seq     uint64
	dropped uint64
	closed  bool
}

// NewBufferRing creates a ring holding at most depth buffers
func NewBufferRing(depth int) *BufferRing {
	if depth < 1 {
		depth = 1
	}
	slots := make([]*ringSlot, depth)
	for i := range slots {
		slots[i] = &ringSlot{}
	}
	return &BufferRing{slots: slots}
}

// Depth returns the fixed number of slots
func (r *BufferRing) Depth() int {
	return len(r.slots)
}

// Push copies img into a free slot. It reuses the oldest filled slot when no
// slot is free and returns false when the frame had to be dropped.
func (r *BufferRing) Push(img RawImage, ts time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	var target *ringSlot
	for _, s := range r.slots {
		if s.state == slotFree {
			target = s
			break
		}
	}
	if target == nil {
		for _, s := range r.slots {
			if s.state == slotFilled && (target == nil || s.seq < target.seq) {
				target = s
			}
		}
	}
	if target == nil {
		r.dropped++
		return false
	}

	n := len(img.Pix)
	if cap(target.img.Pix) < n {
		target.img.Pix = make([]byte, n)
	}
	pix := target.img.Pix[:n]
	copy(pix, img.Pix)

	target.img = img
	target.img.Pix = pix
	target.ts = ts
	r.seq++
	target.seq = r.seq
	target.state = slotFilled
	return true
}

// AcquireLatest checks out the newest filled slot without waiting
func (r *BufferRing) AcquireLatest() (Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrSurfaceClosed
	}

	var newest *ringSlot
	for _, s := range r.slots {
		if s.state == slotFilled && (newest == nil || s.seq > newest.seq) {
			newest = s
		}
	}
	if newest == nil {
		return nil, ErrNoBuffer
	}

	for _, s := range r.slots {
		if s.state == slotFilled && s != newest {
			s.state = slotFree
		}
	}
	newest.state = slotAcquired
	return &ringBuffer{ring: r, slot: newest}, nil
}

// InFlight returns the number of checked out buffers
func (r *BufferRing) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.slots {
		if s.state == slotAcquired {
			n++
		}
	}
	return n
}

// Dropped returns how many pushes were dropped because every slot was checked out
func (r *BufferRing) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops accepting pushes and rejects further acquires. Buffers already
// checked out stay valid until closed by their holder.
func (r *BufferRing) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

type ringBuffer struct {
	ring *BufferRing
	slot *ringSlot
	done bool
}

func (b *ringBuffer) Image() RawImage {
	return b.slot.img
}

func (b *ringBuffer) Timestamp() time.Time {
	return b.slot.ts
}

func (b *ringBuffer) Close() error {
	b.ring.mu.Lock()
	defer b.ring.mu.Unlock()

	if b.done {
		return errors.New("buffer already released")
	}
	b.done = true
	if b.slot.state == slotAcquired {
		b.slot.state = slotFree
	}
	return nil
}
