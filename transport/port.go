package transport

import (
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
)

var ErrNoPortAvailable = errors.New("no port available")

// PortTable hands out port numbers for transports that have no operating
// system to do it for them.
type PortTable struct {
	mu    sync.Mutex
	inUse map[uint16]struct{}

	ephemeral [2]uint16 // [start, end)
	rand      func() uint16
	maxTry    int
}

type EphemeralPortOptions struct {
	Range  [2]uint16 // [start, end)
	Rand   func() uint16
	MaxTry int
}

// DefaultEphemeralPortOptions uses the IANA dynamic port range.
func DefaultEphemeralPortOptions() EphemeralPortOptions {
	return EphemeralPortOptions{
		Range:  [2]uint16{49152, 65535},
		Rand:   func() uint16 { return uint16(rand.Uint32()) },
		MaxTry: 64,
	}
}

func (o EphemeralPortOptions) validate() error {
	if o.Range[0] >= o.Range[1] {
		return errors.Errorf("end(%d) must be greater than start(%d)", o.Range[1], o.Range[0])
	}
	if o.Rand == nil {
		return errors.New("rand function must be provided")
	}
	if o.MaxTry <= 0 {
		return errors.Errorf("max try must be positive, got %d", o.MaxTry)
	}
	return nil
}

func NewPortTable(opts EphemeralPortOptions) (*PortTable, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid ephemeral port options")
	}

	return &PortTable{
		inUse:     make(map[uint16]struct{}),
		ephemeral: opts.Range,
		rand:      opts.Rand,
		maxTry:    opts.MaxTry,
	}, nil
}

// Occupy reserves port, or an ephemeral one when port is 0.
// The returned release func must be called once the port is no longer used.
func (p *PortTable) Occupy(port uint16) (uint16, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port != 0 {
		if !p.occupyLocked(port) {
			return 0, nil, errors.Wrapf(ErrAddrAlreadyInUse, "port %d", port)
		}
		return port, p.releaser(port), nil
	}

	for range p.maxTry {
		port := p.ephemeral[0] + p.rand()%(p.ephemeral[1]-p.ephemeral[0])
		if p.occupyLocked(port) {
			return port, p.releaser(port), nil
		}
	}

	return 0, nil, ErrNoPortAvailable
}

func (p *PortTable) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

func (p *PortTable) occupyLocked(port uint16) bool {
	if _, found := p.inUse[port]; found {
		return false
	}
	p.inUse[port] = struct{}{}
	return true
}

func (p *PortTable) releaser(port uint16) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.inUse, port)
		})
	}
}
