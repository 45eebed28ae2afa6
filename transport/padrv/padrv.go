// Package padrv drives the engine from a PortAudio stream and talks to MIDI
// hardware through gomidi. There is no patchbay: audio ports are connected
// to numbered device channels and MIDI ports to device ports by name.
package padrv

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	gomidi "gitlab.com/gomidi/midi/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"patchhost/transport"
)

const (
	capturePrefix  = "system:capture_"
	playbackPrefix = "system:playback_"

	flushInterval = time.Millisecond
)

// Config describes the stream to open
type Config struct {
	ClientName     string
	SampleRate     int
	BlockSize      int
	InputChannels  int
	OutputChannels int
	Logger         *zap.Logger
}

// routing is what the stream callback reads, published whole
type routing struct {
	audioIn  []*Port
	capture  [][]*Port // ports fed by each device input channel
	playback [][]*Port // ports summed into each device output channel
	midiOut  []*Port
}

// Driver implements transport.Driver
type Driver struct {
	cfg Config
	log *zap.Logger

	// device access, replaced in tests
	list    func() (ins, outs []string, err error)
	openIn  func(name string, fn func(msg []byte)) (stop func(), err error)
	openOut func(name string) (send func(msg []byte) error, err error)

	mu      sync.Mutex
	ports   map[string]*Port
	routing atomic.Pointer[routing]
	process transport.ProcessFunc
	onXrun  func()
	stream  *portaudio.Stream
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  bool

	devMu   sync.Mutex
	seen    map[string]transport.Direction
	events  chan DeviceEvent
	pollDur time.Duration
}

// Open initializes PortAudio. The stream itself is opened by Activate.
func Open(cfg Config) (*Driver, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	d := newDriver(cfg)
	d.log.Info("portaudio ready",
		zap.String("version", portaudio.VersionText()),
		zap.Int("sample_rate", d.cfg.SampleRate),
		zap.Int("block", d.cfg.BlockSize))
	return d, nil
}

func newDriver(cfg Config) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 256
	}
	d := &Driver{
		cfg:     cfg,
		log:     cfg.Logger,
		list:    listDevices,
		openIn:  listen,
		openOut: sender,
		ports:   make(map[string]*Port),
		seen:    make(map[string]transport.Direction),
		events:  make(chan DeviceEvent, 16),
		pollDur: time.Second,
	}
	d.routing.Store(&routing{})
	return d
}

// OnXrun installs fn, called from the stream callback when PortAudio flags
// an underflow or overflow. It must be set before Activate.
func (d *Driver) OnXrun(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onXrun = fn
}

func (d *Driver) ClientName() string { return d.cfg.ClientName }
func (d *Driver) SampleRate() int    { return d.cfg.SampleRate }
func (d *Driver) BufferSize() int    { return d.cfg.BlockSize }

func (d *Driver) RegisterPort(name string, kind transport.Kind, dir transport.Direction) (transport.Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.ports[name]; exists {
		return nil, fmt.Errorf("%w: %s", transport.ErrDuplicatePort, name)
	}
	p := newPort(name, kind, dir, d.cfg.BlockSize)
	d.ports[name] = p
	d.publish()
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
	p.closeLinks()
	d.publish()
	return nil
}

// publish rebuilds the callback's view of the ports. Called with d.mu held.
func (d *Driver) publish() {
	r := &routing{
		capture:  make([][]*Port, d.cfg.InputChannels),
		playback: make([][]*Port, d.cfg.OutputChannels),
	}
	for _, p := range d.ports {
		switch {
		case p.kind == transport.MIDI && p.dir == transport.Output:
			r.midiOut = append(r.midiOut, p)
		case p.kind == transport.Audio:
			if p.dir == transport.Input {
				r.audioIn = append(r.audioIn, p)
			}
			for _, ep := range p.endpoints() {
				ch, ok := d.channel(ep, p.dir)
				if !ok {
					continue
				}
				if p.dir == transport.Input {
					r.capture[ch] = append(r.capture[ch], p)
				} else {
					r.playback[ch] = append(r.playback[ch], p)
				}
			}
		}
	}
	d.routing.Store(r)
}

// channel maps an audio endpoint name to a device channel index
func (d *Driver) channel(endpoint string, dir transport.Direction) (int, bool) {
	prefix, count := capturePrefix, d.cfg.InputChannels
	if dir == transport.Output {
		prefix, count = playbackPrefix, d.cfg.OutputChannels
	}
	num, ok := strings.CutPrefix(endpoint, prefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 || n > count {
		return 0, false
	}
	return n - 1, true
}

func (d *Driver) lookup(tp transport.Port) (*Port, error) {
	p, ok := tp.(*Port)
	if !ok || d.ports[p.name] != p {
		return nil, transport.ErrUnknownPort
	}
	return p, nil
}

func (d *Driver) Connect(tp transport.Port, endpoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, err := d.lookup(tp)
	if err != nil {
		return err
	}
	if p.kind == transport.Audio {
		if _, ok := d.channel(endpoint, p.dir); !ok {
			return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpoint)
		}
		p.addLink(&link{endpoint: endpoint})
		d.publish()
		return nil
	}
	if p.hasLink(endpoint) {
		return nil
	}
	l := &link{endpoint: endpoint}
	if err := d.openLink(p, l); err != nil {
		return fmt.Errorf("%w: %s: %w", transport.ErrUnknownEndpoint, endpoint, err)
	}
	p.addLink(l)
	return nil
}

func (d *Driver) Disconnect(tp transport.Port, endpoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, err := d.lookup(tp)
	if err != nil {
		return err
	}
	p.removeLink(endpoint)
	d.publish()
	return nil
}

// openLink opens the device side of a MIDI connection
func (d *Driver) openLink(p *Port, l *link) error {
	if p.dir == transport.Input {
		rx := newInputRing()
		stop, err := d.openIn(l.endpoint, func(msg []byte) {
			var pk packet
			if pk.set(msg) {
				rx.Push(pk)
			}
		})
		if err != nil {
			return err
		}
		p.mu.Lock()
		l.rx, l.stop = rx, stop
		p.mu.Unlock()
		return nil
	}
	send, err := d.openOut(l.endpoint)
	if err != nil {
		return err
	}
	p.mu.Lock()
	l.send = send
	p.mu.Unlock()
	return nil
}

// Endpoints lists device channels for audio and device ports for MIDI
func (d *Driver) Endpoints(kind transport.Kind, dir transport.Direction) []string {
	var names []string
	if kind == transport.Audio {
		prefix, count := capturePrefix, d.cfg.InputChannels
		if dir == transport.Output {
			prefix, count = playbackPrefix, d.cfg.OutputChannels
		}
		for i := 1; i <= count; i++ {
			names = append(names, prefix+strconv.Itoa(i))
		}
		return names
	}
	ins, outs, err := d.list()
	if err != nil {
		d.log.Warn("list midi devices", zap.Error(err))
		return nil
	}
	if dir == transport.Output {
		return outs
	}
	return ins
}

func (d *Driver) ConnectEndpoints(src, dst string) error {
	return fmt.Errorf("connect %s -> %s: %w", src, dst, transport.ErrUnsupported)
}

func (d *Driver) DisconnectEndpoints(src, dst string) error {
	return fmt.Errorf("disconnect %s -> %s: %w", src, dst, transport.ErrUnsupported)
}

// Activate opens and starts the default stream, then the MIDI sender and the
// device watcher.
func (d *Driver) Activate(process transport.ProcessFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.process = process
	full := d.callback
	var cb any = full
	if d.cfg.InputChannels == 0 {
		cb = func(out [][]float32, info portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
			full(nil, out, info, flags)
		}
	}
	stream, err := portaudio.OpenDefaultStream(d.cfg.InputChannels, d.cfg.OutputChannels,
		float64(d.cfg.SampleRate), d.cfg.BlockSize, cb)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		return multierr.Append(fmt.Errorf("start stream: %w", err), stream.Close())
	}
	d.stream = stream
	d.active = true
	d.startWorkers()
	return nil
}

func (d *Driver) startWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.runSender(ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.Watch(ctx)
	}()
}

func (d *Driver) Deactivate() error {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return transport.ErrNotActive
	}
	d.active = false
	stream, cancel := d.stream, d.cancel
	d.stream, d.cancel = nil, nil
	d.mu.Unlock()

	var err error
	if stream != nil {
		multierr.AppendInto(&err, stream.Stop())
		multierr.AppendInto(&err, stream.Close())
	}
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return err
}

func (d *Driver) Close() error {
	var err error
	if d.isActive() {
		multierr.AppendInto(&err, d.Deactivate())
	}
	d.mu.Lock()
	for _, p := range d.ports {
		p.closeLinks()
	}
	d.ports = make(map[string]*Port)
	d.publish()
	d.mu.Unlock()

	gomidi.CloseDriver()
	multierr.AppendInto(&err, portaudio.Terminate())
	return err
}

func (d *Driver) isActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// callback moves one block between the device and the engine's ports
func (d *Driver) callback(in, out [][]float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	if flags&(portaudio.InputOverflow|portaudio.OutputUnderflow) != 0 && d.onXrun != nil {
		d.onXrun()
	}
	nframes := d.cfg.BlockSize
	if len(out) > 0 {
		nframes = len(out[0])
	} else if len(in) > 0 {
		nframes = len(in[0])
	}
	nframes = min(nframes, d.cfg.BlockSize)

	r := d.routing.Load()
	for _, p := range r.audioIn {
		clear(p.buf[:nframes])
	}
	for ch, ports := range r.capture {
		if ch >= len(in) {
			break
		}
		for _, p := range ports {
			mix(p.buf[:nframes], in[ch])
		}
	}

	d.process(nframes)

	for ch := range out {
		clear(out[ch])
		if ch >= len(r.playback) {
			continue
		}
		for _, p := range r.playback[ch] {
			mix(out[ch], p.buf[:nframes])
		}
	}
}

func mix(dst, src []float32) {
	n := min(len(dst), len(src))
	for k := 0; k < n; k++ {
		dst[k] += src[k]
	}
}

// runSender hands MIDI written by the callback to the devices
func (d *Driver) runSender(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.flush()
			return
		case <-ticker.C:
			d.flush()
		}
	}
}

func (d *Driver) flush() {
	for _, p := range d.routing.Load().midiOut {
		p.flush(d.log)
	}
}
