// Package memdrv is an in-memory transport driver. It backs the "dummy"
// backend and lets tests drive the engine one block at a time.
package memdrv

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"patchhost/transport"
)

type endpoint struct {
	kind transport.Kind
	dir  transport.Direction
}

// Driver implements transport.Driver without any audio hardware
type Driver struct {
	name       string
	sampleRate int
	blockSize  int

	mu        sync.Mutex
	ports     map[string]*Port
	endpoints map[string]endpoint
	external  map[[2]string]bool
	failNext  error
	process   transport.ProcessFunc
	active    bool
	keep      bool

	cycleMu sync.Mutex
	cycles  uint64
}

// New creates a driver with the given client name and block geometry
func New(clientName string, sampleRate, blockSize int) *Driver {
	return &Driver{
		name:       clientName,
		sampleRate: sampleRate,
		blockSize:  blockSize,
		ports:      make(map[string]*Port),
		endpoints:  make(map[string]endpoint),
		external:   make(map[[2]string]bool),
	}
}

func (d *Driver) ClientName() string { return d.name }
func (d *Driver) SampleRate() int    { return d.sampleRate }
func (d *Driver) BufferSize() int    { return d.blockSize }

// AddEndpoint makes an external endpoint available to ports of the given
// kind and direction.
func (d *Driver) AddEndpoint(name string, kind transport.Kind, dir transport.Direction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints[name] = endpoint{kind: kind, dir: dir}
}

// KeepUnread makes MIDI inputs hold messages that a block did not read until
// the next block, like drivers that buffer between callbacks.
func (d *Driver) KeepUnread(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keep = on
}

// FailNextRegister makes the next RegisterPort call return err
func (d *Driver) FailNextRegister(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = err
}

func (d *Driver) RegisterPort(name string, kind transport.Kind, dir transport.Direction) (transport.Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failNext; err != nil {
		d.failNext = nil
		return nil, err
	}
	if _, exists := d.ports[name]; exists {
		return nil, fmt.Errorf("%w: %s", transport.ErrDuplicatePort, name)
	}
	p := &Port{
		name:  name,
		kind:  kind,
		dir:   dir,
		audio: make([]float32, d.blockSize),
		conns: make(map[string]bool),
	}
	d.ports[name] = p
	return p, nil
}

func (d *Driver) UnregisterPort(tp transport.Port) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := tp.(*Port)
	if !ok || d.ports[p.name] != p {
		return transport.ErrUnknownPort
	}
	delete(d.ports, p.name)
	return nil
}

func (d *Driver) Connect(tp transport.Port, name string) error {
	p, err := d.checkEndpoint(tp, name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[name] = true
	return nil
}

func (d *Driver) Disconnect(tp transport.Port, name string) error {
	p, err := d.checkEndpoint(tp, name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, name)
	return nil
}

func (d *Driver) checkEndpoint(tp transport.Port, name string) (*Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := tp.(*Port)
	if !ok || d.ports[p.name] != p {
		return nil, transport.ErrUnknownPort
	}
	ep, ok := d.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, name)
	}
	if ep.kind != p.kind || ep.dir != p.dir {
		return nil, fmt.Errorf("%w: %s", transport.ErrWrongKind, name)
	}
	return p, nil
}

func (d *Driver) Endpoints(kind transport.Kind, dir transport.Direction) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var names []string
	for name, ep := range d.endpoints {
		if ep.kind == kind && ep.dir == dir {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (d *Driver) ConnectEndpoints(src, dst string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range []string{src, dst} {
		if _, ok := d.endpoints[name]; !ok {
			return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, name)
		}
	}
	d.external[[2]string{src, dst}] = true
	return nil
}

func (d *Driver) DisconnectEndpoints(src, dst string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.external, [2]string{src, dst})
	return nil
}

// ExternalConnected reports whether src and dst were linked with ConnectEndpoints
func (d *Driver) ExternalConnected(src, dst string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.external[[2]string{src, dst}]
}

func (d *Driver) Activate(process transport.ProcessFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.process = process
	d.active = true
	return nil
}

func (d *Driver) Deactivate() error {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return transport.ErrNotActive
	}
	d.active = false
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
	d.ports = make(map[string]*Port)
	return nil
}

// Port returns a registered port by name
func (d *Driver) Port(name string) *Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ports[name]
}

// Cycles returns the number of blocks processed so far
func (d *Driver) Cycles() uint64 {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	return d.cycles
}

// Cycle runs one block through the process callback. It reports false when
// the driver is not active.
func (d *Driver) Cycle() bool {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	d.mu.Lock()
	process, active, keep := d.process, d.active, d.keep
	ports := make([]*Port, 0, len(d.ports))
	for _, p := range d.ports {
		ports = append(ports, p)
	}
	d.mu.Unlock()

	if !active || process == nil {
		return false
	}
	for _, p := range ports {
		p.begin(d.blockSize)
	}
	process(d.blockSize)
	for _, p := range ports {
		p.end(keep)
	}
	d.cycles++
	return true
}

// Run cycles at the real block period until ctx is done
func (d *Driver) Run(ctx context.Context) {
	period := time.Duration(d.blockSize) * time.Second / time.Duration(d.sampleRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Cycle()
		}
	}
}
