package fabric

import (
	"errors"
	"sync/atomic"
)

// Registrar registers memory with a fabric. Every Endpoint is a Registrar.
type Registrar interface {
	RegisterMemory(buf []byte) (Region, error)
}

// RegionPool manages reusable registered regions of a fixed size.
type RegionPool struct {
	registrar   Registrar
	size        int
	pool        chan Region
	closed      atomic.Bool
	outstanding atomic.Int64
}

// NewRegionPool constructs a pool that dispenses regions registered through
// registrar. Regions are provisioned lazily; at most capacity idle regions are
// retained for reuse.
func NewRegionPool(registrar Registrar, size int, capacity int) (*RegionPool, error) {
	if registrar == nil {
		return nil, errors.New("fabric: RegionPool requires a registrar")
	}
	if size <= 0 {
		return nil, errors.New("fabric: RegionPool requires positive region size")
	}
	if capacity < 0 {
		capacity = 0
	}
	return &RegionPool{
		registrar: registrar,
		size:      size,
		pool:      make(chan Region, capacity),
	}, nil
}

// Size returns the length of every region handed out by the pool.
func (p *RegionPool) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

// Outstanding reports how many acquired regions have not been released.
func (p *RegionPool) Outstanding() int {
	if p == nil {
		return 0
	}
	return int(p.outstanding.Load())
}

// Acquire returns a registered region from the pool, registering a new one
// when no idle region is available. Callers must Release the region.
func (p *RegionPool) Acquire() (Region, error) {
	if p == nil {
		return nil, errors.New("fabric: nil RegionPool")
	}
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	select {
	case r := <-p.pool:
		p.outstanding.Add(1)
		return r, nil
	default:
	}
	r, err := p.registrar.RegisterMemory(make([]byte, p.size))
	if err != nil {
		return nil, err
	}
	p.outstanding.Add(1)
	return r, nil
}

// Release returns the region for reuse. Regions of the wrong size, or released
// after Close, are deregistered immediately.
func (p *RegionPool) Release(r Region) {
	if p == nil || r == nil {
		return
	}
	p.outstanding.Add(-1)
	if p.closed.Load() || r.Size() != p.size {
		_ = r.Close()
		return
	}
	select {
	case p.pool <- r:
	default:
		_ = r.Close()
	}
}

// Close deregisters all idle regions and prevents further acquisitions.
func (p *RegionPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case r := <-p.pool:
			_ = r.Close()
		default:
			return
		}
	}
}
