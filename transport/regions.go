package transport

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/fabrpc/fabric"
)

// registeredBuffer is the single ownership token for registered memory handed
// to the fabric. Whoever holds it must call release exactly once, and only
// after the fabric can no longer touch the memory.
type registeredBuffer struct {
	region  fabric.Region
	length  int
	release func()
}

func (b *registeredBuffer) bytes() []byte {
	return b.region.Bytes()[:b.length]
}

// regionManager registers outgoing messages and receive buffers. Small
// messages are copied into pooled regions; larger ones are registered in place.
type regionManager struct {
	ep       fabric.Registrar
	sendPool *fabric.RegionPool
	recvPool *fabric.RegionPool
	held     atomic.Int64
}

func newRegionManager(ep fabric.Registrar, maxMessage, poolCapacity int) (*regionManager, error) {
	m := &regionManager{ep: ep}
	if poolCapacity > 0 {
		pool, err := fabric.NewRegionPool(ep, maxMessage, poolCapacity)
		if err != nil {
			return nil, fmt.Errorf("create send region pool: %w", err)
		}
		m.sendPool = pool
	}
	pool, err := fabric.NewRegionPool(ep, maxMessage, max(poolCapacity, 1))
	if err != nil {
		return nil, fmt.Errorf("create receive region pool: %w", err)
	}
	m.recvPool = pool
	return m, nil
}

// register makes data available to the fabric for a send.
func (m *regionManager) register(data []byte) (*registeredBuffer, error) {
	if m.sendPool != nil && len(data) <= m.sendPool.Size() {
		region, err := m.sendPool.Acquire()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
		}
		buf := region.Bytes()
		if len(buf) < len(data) {
			m.sendPool.Release(region)
			return nil, fmt.Errorf("%w: pooled region too small (have %d want %d)", ErrRegistration, len(buf), len(data))
		}
		copy(buf, data)
		return m.track(region, len(data), m.sendPool), nil
	}
	region, err := m.ep.RegisterMemory(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	return m.track(region, len(data), nil), nil
}

// registerReceive provides a region able to hold the largest message.
func (m *regionManager) registerReceive() (*registeredBuffer, error) {
	region, err := m.recvPool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	return m.track(region, region.Size(), m.recvPool), nil
}

func (m *regionManager) track(region fabric.Region, length int, pool *fabric.RegionPool) *registeredBuffer {
	m.held.Add(1)
	b := &registeredBuffer{region: region, length: length}
	var once sync.Once
	b.release = func() {
		once.Do(func() {
			m.held.Add(-1)
			if pool != nil {
				pool.Release(region)
				return
			}
			_ = region.Close()
		})
	}
	return b
}

// heldCount reports ownership tokens not yet released.
func (m *regionManager) heldCount() int {
	return int(m.held.Load())
}

// close deregisters idle pooled regions. Tokens released afterwards close
// their regions directly.
func (m *regionManager) close() {
	m.sendPool.Close()
	m.recvPool.Close()
}
