//go:build jack

// Package jackdrv connects the engine to a running JACK server. Build with
// -tags jack; it needs the JACK development headers.
package jackdrv

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/xthexder/go-jack"
	"go.uber.org/zap"

	"patchhost/transport"
)

// Driver implements transport.Driver on a JACK client
type Driver struct {
	client *jack.Client
	log    *zap.Logger

	mu      sync.Mutex
	ports   map[string]*Port
	process transport.ProcessFunc
	onXrun  func()
	active  bool
}

// Open connects to the JACK server as clientName. The server is not started
// when it is not running.
func Open(clientName string, log *zap.Logger) (*Driver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	jc, status := jack.ClientOpen(clientName, jack.NoStartServer)
	if jc == nil {
		if status != 0 {
			return nil, fmt.Errorf("open jack client: %w", jack.Strerror(status))
		}
		return nil, errors.New("open jack client: unknown error")
	}
	d := &Driver{
		client: jc,
		log:    log,
		ports:  make(map[string]*Port),
	}
	if status := jc.SetXRunCallback(d.xrun); status != 0 {
		jc.Close()
		return nil, fmt.Errorf("set xrun callback: %w", jack.Strerror(status))
	}
	log.Info("jack client open",
		zap.String("name", jc.GetName()),
		zap.Uint32("sample_rate", jc.GetSampleRate()),
		zap.Uint32("buffer_size", jc.GetBufferSize()))
	return d, nil
}

// OnXrun installs fn to be called from JACK's notification thread for every
// reported xrun. It must be set before Activate.
func (d *Driver) OnXrun(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onXrun = fn
}

func (d *Driver) xrun() int {
	if fn := d.onXrun; fn != nil {
		fn()
	}
	return 0
}

func (d *Driver) ClientName() string { return d.client.GetName() }
func (d *Driver) SampleRate() int    { return int(d.client.GetSampleRate()) }
func (d *Driver) BufferSize() int    { return int(d.client.GetBufferSize()) }

func portType(kind transport.Kind) string {
	if kind == transport.MIDI {
		return jack.DEFAULT_MIDI_TYPE
	}
	return jack.DEFAULT_AUDIO_TYPE
}

// flags returns the JACK flags of our port. An engine input is a JACK input.
func flags(dir transport.Direction) uint64 {
	if dir == transport.Output {
		return jack.PortIsOutput
	}
	return jack.PortIsInput
}

func (d *Driver) RegisterPort(name string, kind transport.Kind, dir transport.Direction) (transport.Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.ports[name]; exists {
		return nil, fmt.Errorf("%w: %s", transport.ErrDuplicatePort, name)
	}
	jp := d.client.PortRegister(name, portType(kind), flags(dir), 0)
	if jp == nil {
		return nil, fmt.Errorf("jack refused port %s", name)
	}
	p := &Port{name: name, kind: kind, dir: dir, jp: jp}
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
	if status := d.client.PortUnregister(p.jp); status != 0 {
		return fmt.Errorf("unregister %s: %w", p.name, jack.Strerror(status))
	}
	return nil
}

// link orders a connection between our port and an endpoint the way JACK
// expects it, source first.
func (d *Driver) link(tp transport.Port, endpoint string) (src, dst string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := tp.(*Port)
	if !ok || d.ports[p.name] != p {
		return "", "", transport.ErrUnknownPort
	}
	own := p.jp.GetName()
	if p.dir == transport.Input {
		return endpoint, own, nil
	}
	return own, endpoint, nil
}

func (d *Driver) Connect(p transport.Port, endpoint string) error {
	src, dst, err := d.link(p, endpoint)
	if err != nil {
		return err
	}
	return d.ConnectEndpoints(src, dst)
}

func (d *Driver) Disconnect(p transport.Port, endpoint string) error {
	src, dst, err := d.link(p, endpoint)
	if err != nil {
		return err
	}
	return d.DisconnectEndpoints(src, dst)
}

// Endpoints lists the ports of other clients. An engine input connects to
// JACK outputs and the other way round.
func (d *Driver) Endpoints(kind transport.Kind, dir transport.Direction) []string {
	want := jack.PortIsOutput
	if dir == transport.Output {
		want = jack.PortIsInput
	}
	own := d.client.GetName() + ":"
	var names []string
	for _, name := range d.client.GetPorts("", portType(kind), want) {
		if !strings.HasPrefix(name, own) {
			names = append(names, name)
		}
	}
	return names
}

func (d *Driver) ConnectEndpoints(src, dst string) error {
	if status := d.client.Connect(src, dst); status != 0 {
		return fmt.Errorf("%w: %s -> %s: %w", transport.ErrUnknownEndpoint, src, dst, jack.Strerror(status))
	}
	return nil
}

func (d *Driver) DisconnectEndpoints(src, dst string) error {
	if status := d.client.Disconnect(src, dst); status != 0 {
		return fmt.Errorf("disconnect %s -> %s: %w", src, dst, jack.Strerror(status))
	}
	return nil
}

func (d *Driver) Activate(process transport.ProcessFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.process = process
	status := d.client.SetProcessCallback(func(nframes uint32) int {
		d.process(int(nframes))
		return 0
	})
	if status != 0 {
		return fmt.Errorf("set process callback: %w", jack.Strerror(status))
	}
	if status := d.client.Activate(); status != 0 {
		return fmt.Errorf("activate jack client: %w", jack.Strerror(status))
	}
	d.active = true
	return nil
}

func (d *Driver) Deactivate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return transport.ErrNotActive
	}
	d.active = false
	if status := d.client.Deactivate(); status != 0 {
		return fmt.Errorf("deactivate jack client: %w", jack.Strerror(status))
	}
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
	d.ports = make(map[string]*Port)
	if status := d.client.Close(); status != 0 {
		return fmt.Errorf("close jack client: %w", jack.Strerror(status))
	}
	return nil
}

// Port is a JACK port registered by the engine's client
type Port struct {
	name string
	kind transport.Kind
	dir  transport.Direction
	jp   *jack.Port

	// output buffer of the current block
	out  jack.MidiBuffer
	data jack.MidiData
}

func (p *Port) Name() string                   { return p.name }
func (p *Port) Kind() transport.Kind           { return p.kind }
func (p *Port) Direction() transport.Direction { return p.dir }

// AudioBuffer aliases the JACK buffer; jack.AudioSample is a float32
func (p *Port) AudioBuffer(nframes int) []float32 {
	buf := p.jp.GetBuffer(uint32(nframes))
	if len(buf) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&buf[0])), len(buf))
}

func (p *Port) ReadMIDI(nframes int, fn func(msg []byte)) {
	for _, ev := range p.jp.GetMidiEvents(uint32(nframes)) {
		fn(ev.Buffer)
	}
}

func (p *Port) ClearMIDI(nframes int) {
	p.out = p.jp.MidiClearBuffer(uint32(nframes))
}

// WriteMIDI places every message at the start of the block
func (p *Port) WriteMIDI(msg []byte) error {
	if p.dir != transport.Output || p.kind != transport.MIDI {
		return transport.ErrWrongKind
	}
	if p.out == nil {
		return transport.ErrNotActive
	}
	p.data.Time = 0
	p.data.Buffer = msg
	if p.jp.MidiEventWrite(&p.data, p.out) != 0 {
		return transport.ErrBufferFull
	}
	return nil
}
