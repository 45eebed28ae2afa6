package engine

import (
	"fmt"

	"patchhost/transport"
)

// AudioPortID identifies an audio port. The zero value is invalid.
type AudioPortID struct{ h handle }

// MidiPortID identifies a MIDI port. The zero value is invalid.
type MidiPortID struct{ h handle }

// MidiRouteID identifies a MIDI route. The zero value is invalid.
type MidiRouteID struct{ h handle }

// AudioRouteID identifies an audio route. The zero value is invalid.
type AudioRouteID struct{ h handle }

// PluginID identifies a synth instance hosted by the engine. The zero value
// is invalid.
type PluginID struct{ h handle }

func (id AudioPortID) Valid() bool  { return id.h.valid() }
func (id MidiPortID) Valid() bool   { return id.h.valid() }
func (id MidiRouteID) Valid() bool  { return id.h.valid() }
func (id AudioRouteID) Valid() bool { return id.h.valid() }
func (id PluginID) Valid() bool     { return id.h.valid() }

func (id AudioPortID) String() string  { return "audio:" + id.h.String() }
func (id MidiPortID) String() string   { return "midi:" + id.h.String() }
func (id MidiRouteID) String() string  { return "mroute:" + id.h.String() }
func (id AudioRouteID) String() string { return "aroute:" + id.h.String() }
func (id PluginID) String() string     { return "plugin:" + id.h.String() }

// PortID is implemented by AudioPortID and MidiPortID only
type PortID interface {
	fmt.Stringer
	kind() transport.Kind
	ref() handle
}

func (id AudioPortID) kind() transport.Kind { return transport.Audio }
func (id AudioPortID) ref() handle          { return id.h }
func (id MidiPortID) kind() transport.Kind  { return transport.MIDI }
func (id MidiPortID) ref() handle           { return id.h }

// DestKind tells which side of a Destination is set
type DestKind uint8

const (
	DestNone DestKind = iota
	DestPort
	DestPlugin
)

// Destination is where a MIDI route delivers: an output port or a plugin
type Destination struct {
	kind   DestKind
	port   MidiPortID
	plugin PluginID
}

// ToPort targets a MIDI output port
func ToPort(id MidiPortID) Destination {
	return Destination{kind: DestPort, port: id}
}

// ToPlugin targets a synth instance
func ToPlugin(id PluginID) Destination {
	return Destination{kind: DestPlugin, plugin: id}
}

func (d Destination) Kind() DestKind { return d.kind }

// Port returns the output port when the destination is a port
func (d Destination) Port() (MidiPortID, bool) {
	return d.port, d.kind == DestPort
}

// Plugin returns the plugin when the destination is a plugin
func (d Destination) Plugin() (PluginID, bool) {
	return d.plugin, d.kind == DestPlugin
}

func (d Destination) String() string {
	switch d.kind {
	case DestPort:
		return d.port.String()
	case DestPlugin:
		return d.plugin.String()
	}
	return "none"
}
