package engine

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchhost/midi"
	"patchhost/transport"
	"patchhost/transport/memdrv"
)

const block = 64

// recordingSynth records every event it is given and renders a constant level
type recordingSynth struct {
	mu       sync.Mutex
	events   []midi.Event
	level    float32
	released int
	closed   bool
}

func (s *recordingSynth) DeliverEvent(ev midi.Event) bool {
	s.DeliverEventWait(ev)
	return true
}

func (s *recordingSynth) DeliverEventWait(ev midi.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.SysEx = slices.Clone(ev.SysEx)
	s.events = append(s.events, ev)
}

func (s *recordingSynth) RenderFrames(left, right []float32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range left {
		left[i], right[i] = s.level, s.level
	}
	return len(left)
}

func (s *recordingSynth) ReleaseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

func (s *recordingSynth) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// take returns and clears the recorded events
func (s *recordingSynth) take() []midi.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.events
	s.events = nil
	return ev
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memdrv.Driver) {
	t.Helper()
	d := memdrv.New("patchhost", 48000, block)
	e := New(d, opts...)
	require.NoError(t, e.Start())
	t.Cleanup(func() {
		assert.NoError(t, e.Close())
	})
	return e, d
}

func addSynth(t *testing.T, e *Engine, name string) (PluginID, *recordingSynth) {
	t.Helper()
	s := &recordingSynth{}
	id, err := e.AddPlugin(name, s)
	require.NoError(t, err)
	return id, s
}

func activeRoute(t *testing.T, e *Engine, src MidiPortID, dst Destination, f midi.Filter) MidiRouteID {
	t.Helper()
	id, err := e.AddMidiRoute(src, dst, f)
	require.NoError(t, err)
	require.NoError(t, e.SetMidiRouteActive(id, true))
	return id
}

func TestRegistrationFailureKeepsNothing(t *testing.T) {
	e, d := newTestEngine(t)

	d.FailNextRegister(errors.New("name in use"))
	id, err := e.AddMidiPort("keys", transport.Input)
	assert.ErrorIs(t, err, ErrRegistration)
	assert.False(t, id.Valid())
	assert.Empty(t, e.MidiPorts())

	select {
	case msg := <-e.Messages():
		assert.Contains(t, msg, "keys")
	default:
		t.Fatal("expected a user message")
	}

	_, err = e.AddAudioPort("bus_l", transport.Output)
	require.NoError(t, err)
	_, err = e.AddAudioPort("bus_l", transport.Output)
	assert.ErrorIs(t, err, transport.ErrDuplicatePort)
	assert.Len(t, e.AudioPorts(), 1)
}

func TestStaleHandlesAreDetected(t *testing.T) {
	e, _ := newTestEngine(t)

	old, err := e.AddMidiPort("a", transport.Input)
	require.NoError(t, err)
	require.NoError(t, e.RemoveMidiPort(old))

	// the slot is reused with a new generation
	fresh, err := e.AddMidiPort("b", transport.Input)
	require.NoError(t, err)
	assert.Equal(t, old.h.index, fresh.h.index)
	assert.NotEqual(t, old, fresh)

	assert.ErrorIs(t, e.RemoveMidiPort(old), ErrStaleHandle)
	assert.ErrorIs(t, e.SetPortFilter(old, midi.AllPass()), ErrStaleHandle)
	_, err = e.AddMidiRoute(old, ToPort(fresh), midi.AllPass())
	assert.ErrorIs(t, err, ErrStaleHandle)
	assert.ErrorIs(t, e.SetMidiRouteActive(MidiRouteID{}, true), ErrStaleHandle)

	f, err := e.PortFilter(fresh)
	require.NoError(t, err)
	assert.True(t, f.Equal(midi.AllPass()))
}

func TestRouteEndpointsAreChecked(t *testing.T) {
	e, _ := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	out, _ := e.AddMidiPort("out", transport.Output)
	pl, _ := addSynth(t, e, "piano")

	_, err := e.AddMidiRoute(out, ToPlugin(pl), midi.AllPass())
	assert.ErrorIs(t, err, ErrWrongDirection)
	_, err = e.AddMidiRoute(in, ToPort(in), midi.AllPass())
	assert.ErrorIs(t, err, ErrWrongDirection)
	_, err = e.AddMidiRoute(in, Destination{}, midi.AllPass())
	assert.ErrorIs(t, err, ErrInvalidDestination)

	left, _, err := e.PluginPorts(pl)
	require.NoError(t, err)
	bus, _ := e.AddAudioPort("bus", transport.Output)
	_, err = e.AddAudioRoute(bus, left)
	assert.ErrorIs(t, err, ErrWrongDirection)
	_, err = e.AddAudioRoute(left, bus)
	assert.NoError(t, err)
}

func TestPortClientsAreIdempotent(t *testing.T) {
	e, d := newTestEngine(t)
	d.AddEndpoint("keys:out", transport.MIDI, transport.Input)

	in, err := e.AddMidiPort("in", transport.Input)
	require.NoError(t, err)

	require.NoError(t, e.AddPortClient(in, "keys:out"))
	require.NoError(t, e.AddPortClient(in, "keys:out"))
	clients, err := e.PortClients(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"keys:out"}, clients)
	assert.Equal(t, []string{"keys:out"}, d.Port("in").Connections())

	assert.NoError(t, e.RemoveAndDisconnectPortClient(in, "nobody:out"))
	assert.NoError(t, e.RemoveAndDisconnectPortClient(in, "keys:out"))
	assert.NoError(t, e.RemoveAndDisconnectPortClient(in, "keys:out"))
	clients, _ = e.PortClients(in)
	assert.Empty(t, clients)
	assert.Empty(t, d.Port("in").Connections())

	assert.ErrorIs(t, e.AddPortClient(in, "ghost:out"), transport.ErrUnknownEndpoint)
	clients, _ = e.PortClients(in)
	assert.Empty(t, clients, "failed connections are not recorded")

	pl, _ := addSynth(t, e, "piano")
	left, _, _ := e.PluginPorts(pl)
	assert.ErrorIs(t, e.AddPortClient(left, "system:playback_1"), ErrInternalPort)
}

func TestRemovingPortDisconnectsAndUnregisters(t *testing.T) {
	e, d := newTestEngine(t)
	d.AddEndpoint("system:playback_1", transport.Audio, transport.Output)

	bus, _ := e.AddAudioPort("bus_l", transport.Output)
	require.NoError(t, e.AddPortClient(bus, "system:playback_1"))
	in, _ := e.AddAudioPort("in", transport.Input)
	_, err := e.AddAudioRoute(in, bus)
	require.NoError(t, err)

	require.NoError(t, e.RemoveAudioPort(bus))
	assert.Nil(t, d.Port("bus_l"))
	assert.Empty(t, e.AudioRoutes(), "routes to a removed port go with it")
	assert.ErrorIs(t, e.RemoveAudioPort(bus), ErrStaleHandle)
}

func TestRemoveAllPorts(t *testing.T) {
	e, d := newTestEngine(t)
	_, _ = e.AddMidiPort("in", transport.Input)
	_, _ = e.AddMidiPort("out", transport.Output)
	_, _ = e.AddAudioPort("bus", transport.Output)
	pl, _ := addSynth(t, e, "piano")

	require.NoError(t, e.RemoveAllPorts())
	assert.Empty(t, e.MidiPorts())
	assert.Nil(t, d.Port("in"))
	assert.Nil(t, d.Port("bus"))

	// plugin outputs belong to the plugin
	assert.Len(t, e.AudioPorts(), 2)
	require.NoError(t, e.RemovePlugin(pl))
	assert.Empty(t, e.AudioPorts())
}

func TestRemovePluginClosesSynth(t *testing.T) {
	e, _ := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	bus, _ := e.AddAudioPort("bus", transport.Output)
	pl, s := addSynth(t, e, "piano")
	activeRoute(t, e, in, ToPlugin(pl), midi.AllPass())
	left, _, _ := e.PluginPorts(pl)
	_, err := e.AddAudioRoute(left, bus)
	require.NoError(t, err)

	require.NoError(t, e.RemovePlugin(pl))
	assert.True(t, s.closed)
	assert.Empty(t, e.MidiRoutes())
	assert.Empty(t, e.AudioRoutes())
	assert.Empty(t, e.Plugins())
	assert.ErrorIs(t, e.RemovePlugin(pl), ErrStaleHandle)
}

func TestExternalConnections(t *testing.T) {
	e, d := newTestEngine(t)
	d.AddEndpoint("keys:out", transport.MIDI, transport.Input)
	d.AddEndpoint("synth:in", transport.MIDI, transport.Output)

	require.NoError(t, e.AddExternalConnection("keys:out", "synth:in"))
	require.NoError(t, e.AddExternalConnection("keys:out", "synth:in"))
	assert.Equal(t, []Connection{{Src: "keys:out", Dst: "synth:in"}}, e.ExternalConnections())
	assert.True(t, d.ExternalConnected("keys:out", "synth:in"))

	require.NoError(t, e.RemoveExternalConnection("keys:out", "synth:in"))
	assert.False(t, d.ExternalConnected("keys:out", "synth:in"))
	assert.Empty(t, e.ExternalConnections())

	assert.Error(t, e.AddExternalConnection("keys:out", "nowhere:in"))
	assert.Equal(t, []string{"keys:out"}, e.Endpoints(transport.MIDI, transport.Input))
}

func TestCloseReleasesEverything(t *testing.T) {
	d := memdrv.New("patchhost", 48000, block)
	e := New(d)
	require.NoError(t, e.Start())
	_, _ = e.AddMidiPort("in", transport.Input)
	_, s := addSynth(t, e, "piano")

	require.NoError(t, e.Close())
	assert.True(t, s.closed)
	assert.False(t, d.Cycle(), "driver is deactivated")

	_, err := e.AddMidiPort("again", transport.Input)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Start(), ErrClosed)
}

func TestParseGuardMode(t *testing.T) {
	m, err := ParseGuardMode("split")
	require.NoError(t, err)
	assert.Equal(t, SplitGuards, m)

	m, err = ParseGuardMode("")
	require.NoError(t, err)
	assert.Equal(t, SingleGuard, m)

	_, err = ParseGuardMode("many")
	assert.Error(t, err)
}
