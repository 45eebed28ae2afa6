// Package transport defines the boundary between the routing engine and the
// real-time audio/MIDI system that hosts it.
package transport

import "errors"

var (
	ErrDuplicatePort   = errors.New("port name already registered")
	ErrUnknownPort     = errors.New("port not registered with this driver")
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrWrongKind       = errors.New("endpoint kind does not match port")
	ErrNotActive       = errors.New("driver not active")
	ErrBufferFull      = errors.New("midi buffer full")
	ErrUnsupported     = errors.New("not supported by this driver")
)

// Kind identifies the kind of data a port carries
type Kind int

const (
	Audio Kind = iota
	MIDI
)

func (k Kind) String() string {
	if k == MIDI {
		return "midi"
	}
	return "audio"
}

// Direction is seen from the engine: Input ports deliver data to the engine.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "out"
	}
	return "in"
}

// ProcessFunc is invoked once per block on the real-time thread
type ProcessFunc func(nframes int)

// Port is a registered endpoint owned by the engine's client.
//
// The buffer methods are only valid inside a ProcessFunc call.
type Port interface {
	Name() string
	Kind() Kind
	Direction() Direction

	// AudioBuffer returns the port's block buffer. Output buffers hold
	// garbage until written.
	AudioBuffer(nframes int) []float32
	// ReadMIDI calls fn for every event waiting on an input port, in order.
	// msg is only valid during the call.
	ReadMIDI(nframes int, fn func(msg []byte))
	// ClearMIDI resets an output port's buffer for this block
	ClearMIDI(nframes int)
	// WriteMIDI appends one message to an output port's buffer
	WriteMIDI(msg []byte) error
}

// Driver is an audio/MIDI system client. All methods except the port buffer
// methods are control-thread only.
type Driver interface {
	ClientName() string
	SampleRate() int
	BufferSize() int

	RegisterPort(name string, kind Kind, dir Direction) (Port, error)
	UnregisterPort(p Port) error

	// Connect links one of our ports with an external endpoint, in the
	// direction implied by the port.
	Connect(p Port, endpoint string) error
	Disconnect(p Port, endpoint string) error
	// Endpoints lists external endpoints that a port of the given kind and
	// direction may be connected to.
	Endpoints(kind Kind, dir Direction) []string

	// ConnectEndpoints links two endpoints that do not belong to us
	ConnectEndpoints(src, dst string) error
	DisconnectEndpoints(src, dst string) error

	Activate(process ProcessFunc) error
	Deactivate() error
	Close() error
}
