// Package engine is the real-time routing core. It owns the port registry,
// the MIDI and audio route tables and the hosted synth instances, and runs
// the per-block process callback.
//
// Two goroutines share the engine: the transport's real-time thread, which
// only ever calls Process, and the control thread, which calls everything
// else. Process never blocks; it try-locks the guards and skips the guarded
// work when a mutation is in progress.
package engine

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"patchhost/midi"
	"patchhost/ringbuf"
	"patchhost/transport"
)

var (
	ErrStaleHandle        = errors.New("stale or invalid handle")
	ErrRegistration       = errors.New("port registration failed")
	ErrWrongDirection     = errors.New("port has the wrong direction for this operation")
	ErrInvalidDestination = errors.New("invalid route destination")
	ErrClosed             = errors.New("engine closed")
	ErrTxFull             = errors.New("transmit buffer full")
)

const (
	DefaultFadeOutFrames = 256
	DefaultRxBufferSize  = 4096
	DefaultMaxNotes      = 1024
	txBufferSize         = 256
	messageBufferSize    = 64

	minDrainTimeout = 50 * time.Millisecond
	drainPoll       = 200 * time.Microsecond
)

// GuardMode selects how the route and port tables are locked against the
// process callback.
type GuardMode int

const (
	// SingleGuard serializes MIDI, audio and synth tables behind one lock.
	// A control-thread mutation skips all guarded work for that block.
	SingleGuard GuardMode = iota
	// SplitGuards gives MIDI dispatch, synth rendering and audio mixing a
	// lock each, so a MIDI route edit does not silence the audio mix.
	SplitGuards
)

func (m GuardMode) String() string {
	if m == SplitGuards {
		return "split"
	}
	return "single"
}

// ParseGuardMode accepts "single" or "split"
func ParseGuardMode(s string) (GuardMode, error) {
	switch s {
	case "", "single":
		return SingleGuard, nil
	case "split":
		return SplitGuards, nil
	}
	return SingleGuard, fmt.Errorf("unknown guard mode %q", s)
}

// Synth is a hosted instrument. DeliverEvent and RenderFrames are called from
// the process callback and must not block; the rest are control-thread only.
type Synth interface {
	DeliverEvent(ev midi.Event) bool
	DeliverEventWait(ev midi.Event)
	RenderFrames(left, right []float32) int
	ReleaseAll()
	Close() error
}

type options struct {
	log        *zap.Logger
	guardMode  GuardMode
	fadeFrames int
	rxSize     int
	maxNotes   int
}

// Option configures an Engine
type Option func(*options)

// WithLogger sets the logger used by control-thread operations
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithGuardMode selects single or split guards
func WithGuardMode(m GuardMode) Option {
	return func(o *options) {
		o.guardMode = m
	}
}

// WithFadeOutFrames sets the length of the audio route fade-out
func WithFadeOutFrames(n int) Option {
	return func(o *options) {
		o.fadeFrames = n
	}
}

// WithRxBufferSize sets the capacity of the MIDI RX event ring
func WithRxBufferSize(n int) Option {
	return func(o *options) {
		o.rxSize = n
	}
}

// WithMaxNotes sets how many sounding notes are tracked at once
func WithMaxNotes(n int) Option {
	return func(o *options) {
		o.maxNotes = n
	}
}

type guards struct {
	midi, audio, synth *sync.Mutex
	single             bool
}

func newGuards(mode GuardMode) guards {
	if mode == SplitGuards {
		return guards{midi: new(sync.Mutex), audio: new(sync.Mutex), synth: new(sync.Mutex)}
	}
	mu := new(sync.Mutex)
	return guards{midi: mu, audio: mu, synth: mu, single: true}
}

// lockAll takes every guard in a fixed order
func (g guards) lockAll() {
	g.midi.Lock()
	if !g.single {
		g.synth.Lock()
		g.audio.Lock()
	}
}

func (g guards) unlockAll() {
	if !g.single {
		g.audio.Unlock()
		g.synth.Unlock()
	}
	g.midi.Unlock()
}

// outputs lists the transport ports the callback must clear when it cannot
// take a guard, and the MIDI inputs it must drain so skipped blocks leave no
// backlog.
type outputs struct {
	audio  []transport.Port
	midi   []transport.Port
	midiIn []transport.Port
}

// RxEvent is a MIDI event seen by the process callback. Route is the zero
// value for the port-level copy of an input event.
type RxEvent struct {
	Port  MidiPortID
	Route MidiRouteID
	Event midi.Event
}

// Stats are diagnostic counters. Guard misses and drops are never reported
// individually.
type Stats struct {
	Cycles          uint64
	GuardMisses     uint64
	SynthDrops      uint64
	RxOverflows     uint64
	RecordOverflows uint64
	Xruns           uint64
}

type counters struct {
	cycles          atomic.Uint64
	guardMisses     atomic.Uint64
	synthDrops      atomic.Uint64
	rxOverflows     atomic.Uint64
	recordOverflows atomic.Uint64
	xruns           atomic.Uint64
}

// Engine routes MIDI and audio between transport ports and synth instances
type Engine struct {
	driver transport.Driver
	log    *zap.Logger
	opts   options

	// mu serializes the control API. Guards are taken inside it.
	mu     sync.Mutex
	guards guards
	closed bool

	// tables, written under the guards, read by Process under the guards
	audioPorts  arena[audioPort]
	midiPorts   arena[midiPort]
	midiRoutes  arena[midiRoute]
	audioRoutes arena[audioRoute]
	plugins     arena[plugin]
	notes       noteTable

	// process callback state
	scratch   [1024]byte
	prevPanic bool
	rendered  bool

	outputs   atomic.Pointer[outputs]
	readers   atomic.Int32
	paused    atomic.Bool
	panicking atomic.Bool
	transpose atomic.Int32

	rx          *ringbuf.Ring[RxEvent]
	inputFn     func(msg []byte)
	cur         inputState
	connections []Connection

	notify   chan struct{}
	messages chan string
	stats    counters
	started  bool
}

// New creates an engine on top of driver. The driver is not activated until
// Start.
func New(driver transport.Driver, opts ...Option) *Engine {
	o := options{
		guardMode:  SingleGuard,
		fadeFrames: DefaultFadeOutFrames,
		rxSize:     DefaultRxBufferSize,
		maxNotes:   DefaultMaxNotes,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.fadeFrames < 1 {
		o.fadeFrames = 1
	}

	e := &Engine{
		driver:   driver,
		log:      o.log,
		opts:     o,
		guards:   newGuards(o.guardMode),
		notes:    newNoteTable(o.maxNotes),
		rx:       ringbuf.New[RxEvent](o.rxSize),
		notify:   make(chan struct{}, 1),
		messages: make(chan string, messageBufferSize),
	}
	e.outputs.Store(&outputs{})
	e.inputFn = e.handleInput
	e.log.Debug("engine created",
		zap.String("client", driver.ClientName()),
		zap.Int("sample_rate", driver.SampleRate()),
		zap.Int("block", driver.BufferSize()),
		zap.Stringer("guards", o.guardMode))
	return e
}

// Start activates the driver, after which Process runs every block
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return nil
	}
	if err := e.driver.Activate(e.Process); err != nil {
		e.userMessage(fmt.Sprintf("Failed to activate %s: %v", e.driver.ClientName(), err))
		return err
	}
	e.started = true
	e.log.Info("engine started")
	return nil
}

// Stop deactivates the driver
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	if !e.started {
		return nil
	}
	e.started = false
	if err := e.driver.Deactivate(); err != nil {
		return err
	}
	e.log.Info("engine stopped")
	return nil
}

// Close stops processing, removes every port and plugin, then closes the
// driver. Removal continues past individual failures.
func (e *Engine) Close() error {
	var err error
	multierr.AppendInto(&err, e.RemoveAllPlugins())
	multierr.AppendInto(&err, e.RemoveAllPorts())

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return err
	}
	multierr.AppendInto(&err, e.stopLocked())
	multierr.AppendInto(&err, e.driver.Close())
	e.closed = true
	return err
}

// SampleRate returns the transport's sample rate
func (e *Engine) SampleRate() int { return e.driver.SampleRate() }

// BufferSize returns the transport's block size
func (e *Engine) BufferSize() int { return e.driver.BufferSize() }

// PauseProcessing stops the callback from touching the tables. Pausing waits
// for an in-flight block to finish.
func (e *Engine) PauseProcessing(pause bool) {
	e.paused.Store(pause)
	if pause {
		e.guards.lockAll()
		e.guards.unlockAll()
		e.waitReaders()
	}
}

// Paused reports whether processing is paused
func (e *Engine) Paused() bool { return e.paused.Load() }

// SetGlobalTranspose shifts every note after port filters
func (e *Engine) SetGlobalTranspose(semitones int) {
	e.transpose.Store(int32(semitones))
}

func (e *Engine) GlobalTranspose() int { return int(e.transpose.Load()) }

// Panic releases every sounding note and sends all-notes-off to every active
// route on the next block. New notes are suppressed until Panic(false).
func (e *Engine) Panic(on bool) {
	e.panicking.Store(on)
	if on {
		e.log.Info("panic")
	}
}

func (e *Engine) Panicking() bool { return e.panicking.Load() }

// ReportXrun is called by drivers when the transport reports an overrun
func (e *Engine) ReportXrun() {
	e.stats.xruns.Add(1)
	e.signal()
}

// Stats returns a snapshot of the diagnostic counters
func (e *Engine) Stats() Stats {
	return Stats{
		Cycles:          e.stats.cycles.Load(),
		GuardMisses:     e.stats.guardMisses.Load(),
		SynthDrops:      e.stats.synthDrops.Load(),
		RxOverflows:     e.stats.rxOverflows.Load(),
		RecordOverflows: e.stats.recordOverflows.Load(),
		Xruns:           e.stats.xruns.Load(),
	}
}

// Notify fires when the callback has new RX or activity data
func (e *Engine) Notify() <-chan struct{} { return e.notify }

// Messages delivers user-facing messages such as registration failures
func (e *Engine) Messages() <-chan string { return e.messages }

func (e *Engine) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) userMessage(msg string) {
	e.log.Warn(msg)
	select {
	case e.messages <- msg:
	default:
	}
}

// MidiRxEvents drains the RX ring. Control thread only.
func (e *Engine) MidiRxEvents() []RxEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var events []RxEvent
	e.rx.Drain(func(ev RxEvent) {
		events = append(events, ev)
	})
	return events
}

// AudioActivity returns the peak level per audio port since the last call
func (e *Engine) AudioActivity() map[AudioPortID]float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	levels := make(map[AudioPortID]float32, e.audioPorts.len())
	for i := range e.audioPorts.slots {
		if p := e.audioPorts.slots[i].val; p != nil {
			levels[AudioPortID{e.audioPorts.handleAt(i)}] = math.Float32frombits(p.level.Swap(0))
		}
	}
	return levels
}

// publishOutputs rebuilds the snapshot of transport ports, including ports
// about to be inserted. Callers hold e.mu.
func (e *Engine) publishOutputs(adding ...transport.Port) {
	out := &outputs{}
	for _, p := range adding {
		out.add(p)
	}
	for i := range e.audioPorts.slots {
		if p := e.audioPorts.slots[i].val; p != nil && p.port != nil {
			out.add(p.port)
		}
	}
	for i := range e.midiPorts.slots {
		if p := e.midiPorts.slots[i].val; p != nil {
			out.add(p.port)
		}
	}
	e.outputs.Store(out)
}

func (o *outputs) add(p transport.Port) {
	switch {
	case p.Kind() == transport.MIDI && p.Direction() == transport.Input:
		o.midiIn = append(o.midiIn, p)
	case p.Direction() != transport.Output:
	case p.Kind() == transport.MIDI:
		o.midi = append(o.midi, p)
	default:
		o.audio = append(o.audio, p)
	}
}

// waitReaders waits until no callback is using an old outputs snapshot
func (e *Engine) waitReaders() {
	for e.readers.Load() != 0 {
		runtime.Gosched()
	}
}
