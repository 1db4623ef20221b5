package probe

import (
	"fmt"
	"sync"

	"github.com/juju/errors"
)

// Registry owns the set of currently-open probe channels and rejects a
// double-open of the same descriptor, giving the exclusive-ownership model
// spec.md's concurrency section requires an explicit home instead of
// relying on the OS USB stack to fail the second open.
type Registry struct {
	mu   sync.Mutex
	open map[string]Channel
}

// NewRegistry returns an empty probe registry. Callers construct one per
// process (or one per test, for isolation).
func NewRegistry() *Registry {
	return &Registry{open: make(map[string]Channel)}
}

// Open opens d's channel, recording it as in-use. A second Open of an
// already-open descriptor fails without touching the USB stack.
func (r *Registry) Open(d Descriptor) (Channel, error) {
	key := d.String()
	r.mu.Lock()
	if _, busy := r.open[key]; busy {
		r.mu.Unlock()
		return nil, errors.Errorf("probe %s is already open", key)
	}
	r.mu.Unlock()

	var ch Channel
	var err error
	switch d.Kind {
	case KindHID:
		ch, err = OpenHID(d)
	case KindWinUSB:
		ch, err = OpenWinUSB(d)
	default:
		return nil, errors.Errorf("unknown probe kind %v", d.Kind)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	r.mu.Lock()
	r.open[key] = ch
	r.mu.Unlock()
	return &ownedChannel{Channel: ch, r: r, key: key}, nil
}

func (r *Registry) release(key string) {
	r.mu.Lock()
	delete(r.open, key)
	r.mu.Unlock()
}

// ownedChannel removes itself from the registry on Close, so a probe can be
// reopened afterwards.
type ownedChannel struct {
	Channel
	r   *Registry
	key string
}

func (c *ownedChannel) Close() error {
	c.r.release(c.key)
	return c.Channel.Close()
}

var _ fmt.Stringer = Descriptor{}
