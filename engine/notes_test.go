package engine

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchhost/midi"
	"patchhost/transport"
)

func transposed(semitones int) midi.Filter {
	f := midi.AllPass()
	f.Zone.Add = semitones
	return f
}

func TestNoteOffUsesTransformOfNoteOn(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	out, _ := e.AddMidiPort("out", transport.Output)
	pl, s := addSynth(t, e, "piano")

	toSynth := activeRoute(t, e, in, ToPlugin(pl), transposed(2))
	toPort := activeRoute(t, e, in, ToPort(out), transposed(2))

	d.Port("in").Inject([]byte{0x90, 60, 100})
	d.Cycle()

	require.NoError(t, e.SetMidiRouteFilter(toSynth, transposed(5)))
	require.NoError(t, e.SetMidiRouteFilter(toPort, transposed(5)))

	d.Port("in").Inject([]byte{0x80, 60, 0})
	d.Cycle()

	assert.Equal(t, []midi.Event{
		midi.NoteOnEvent(0, 62, 100),
		midi.NoteOffEvent(0, 62, 0),
	}, s.take())
	assert.Equal(t, [][]byte{{0x90, 62, 100}, {0x80, 62, 0}}, d.Port("out").Sent())

	// a new note picks up the new filter
	d.Port("in").Inject([]byte{0x90, 60, 100}, []byte{0x90, 60, 0})
	d.Cycle()
	assert.Equal(t, []midi.Event{
		midi.NoteOnEvent(0, 65, 100),
		midi.NoteOffEvent(0, 65, 0),
	}, s.take())
}

func TestNoteOffSurvivesGlobalTransposeAndPortFilterChange(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	pl, s := addSynth(t, e, "piano")
	activeRoute(t, e, in, ToPlugin(pl), midi.AllPass())

	e.SetGlobalTranspose(12)
	d.Port("in").Inject([]byte{0x91, 48, 90})
	d.Cycle()

	e.SetGlobalTranspose(-3)
	narrow := midi.AllPass()
	narrow.Zone.LowNote, narrow.Zone.HighNote = 70, 80
	narrow.OutChannel = 9
	require.NoError(t, e.SetPortFilter(in, narrow))

	d.Port("in").Inject([]byte{0x81, 48, 10})
	d.Cycle()

	assert.Equal(t, []midi.Event{
		midi.NoteOnEvent(1, 60, 90),
		midi.NoteOffEvent(1, 60, 10),
	}, s.take())
	assert.Equal(t, -3, e.GlobalTranspose())
}

func TestDeactivatingRouteReleasesItsNotes(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	pl, s := addSynth(t, e, "piano")
	route := activeRoute(t, e, in, ToPlugin(pl), transposed(-12))

	d.Port("in").Inject(
		[]byte{0x90, 60, 100},
		[]byte{0xB0, 64, 127},
		[]byte{0xE0, 0x00, 0x50},
	)
	d.Cycle()
	s.take()

	require.NoError(t, e.SetMidiRouteActive(route, false))
	d.Cycle()
	assert.Equal(t, []midi.Event{
		midi.NoteOffEvent(0, 48, 0),
		midi.ControlChangeEvent(0, midi.CCSustain, 0),
		midi.PitchBendEvent(0, 0),
	}, s.take())

	// the release already happened
	d.Port("in").Inject([]byte{0x80, 60, 0})
	d.Cycle()
	assert.Empty(t, s.take())

	// reactivation starts clean
	require.NoError(t, e.SetMidiRouteActive(route, true))
	d.Port("in").Inject([]byte{0x90, 61, 100})
	d.Cycle()
	assert.Equal(t, []midi.Event{midi.NoteOnEvent(0, 49, 100)}, s.take())
}

func TestRemovingSourcePortReleasesNotes(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	out, _ := e.AddMidiPort("out", transport.Output)
	pl, s := addSynth(t, e, "piano")
	activeRoute(t, e, in, ToPlugin(pl), transposed(1))
	activeRoute(t, e, in, ToPort(out), transposed(1))

	d.Port("in").Inject([]byte{0x90, 60, 100}, []byte{0x90, 64, 100})
	d.Cycle()
	s.take()
	d.Port("out").Sent()

	require.NoError(t, e.RemoveMidiPort(in))

	// synths are released synchronously
	assert.ElementsMatch(t, []midi.Event{
		midi.NoteOffEvent(0, 61, 0),
		midi.NoteOffEvent(0, 65, 0),
	}, s.take())

	// surviving output ports on the next block
	d.Cycle()
	assert.ElementsMatch(t, [][]byte{{0x80, 61, 0}, {0x80, 65, 0}}, d.Port("out").Sent())

	assert.Empty(t, e.MidiRoutes())
	assert.Nil(t, d.Port("in"))
	for _, p := range e.MidiPorts() {
		assert.Zero(t, p.NoteOns, p.Name)
	}
}

func TestRemovingDestinationPortWritesNoteOffs(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	out, _ := e.AddMidiPort("out", transport.Output)
	route := activeRoute(t, e, in, ToPort(out), transposed(2))
	port := d.Port("out")

	d.Port("in").Inject([]byte{0x90, 60, 100})
	require.NoError(t, e.SendMidi(route, midi.NoteOnEvent(1, 70, 90)))
	d.Cycle()
	assert.ElementsMatch(t, [][]byte{{0x90, 62, 100}, {0x91, 70, 90}}, port.Sent())

	done := make(chan error, 1)
	go func() { done <- e.RemoveMidiPort(out) }()

	var sent [][]byte
	for removed := false; !removed; {
		select {
		case err := <-done:
			require.NoError(t, err)
			removed = true
		default:
			d.Cycle()
			runtime.Gosched()
		}
		sent = append(sent, port.Sent()...)
	}

	assert.Contains(t, sent, []byte{0x80, 62, 0}, "recorded note released as it was started")
	assert.Contains(t, sent, []byte{0xB1, midi.CCAllNotesOff, 0}, "unrecorded notes released by channel")
	assert.Len(t, sent, 17)
	assert.Nil(t, d.Port("out"))
	assert.Zero(t, e.notes.len())
}

func TestRemovingRouteReleasesNotes(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	pl, s := addSynth(t, e, "piano")
	route := activeRoute(t, e, in, ToPlugin(pl), midi.AllPass())

	d.Port("in").Inject([]byte{0x90, 60, 100})
	d.Cycle()
	s.take()

	require.NoError(t, e.RemoveMidiRoute(route))
	assert.Equal(t, []midi.Event{midi.NoteOffEvent(0, 60, 0)}, s.take())
	assert.ErrorIs(t, e.RemoveMidiRoute(route), ErrStaleHandle)
}

func TestNoteOnsAndNoteOffsBalance(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	pl, s := addSynth(t, e, "piano")
	r1 := activeRoute(t, e, in, ToPlugin(pl), transposed(3))
	r2 := activeRoute(t, e, in, ToPlugin(pl), transposed(-7))

	// a mix of edits between note-ons and note-offs
	steps := []func(){
		func() { d.Port("in").Inject([]byte{0x90, 60, 100}, []byte{0x90, 62, 100}) },
		func() { _ = e.SetMidiRouteFilter(r1, transposed(9)) },
		func() { e.SetGlobalTranspose(4) },
		func() { d.Port("in").Inject([]byte{0x80, 60, 0}) },
		func() { _ = e.SetMidiRouteActive(r2, false) },
		func() { d.Port("in").Inject([]byte{0x90, 50, 100}) },
		func() { _ = e.SetMidiRouteActive(r2, true) },
		func() { d.Port("in").Inject([]byte{0x90, 51, 100}) },
		func() { _ = e.SetMidiRouteFilter(r2, transposed(0)) },
		func() { _ = e.RemoveMidiRoute(r1) },
		func() { d.Port("in").Inject([]byte{0x80, 50, 0}, []byte{0x80, 51, 0}) },
	}
	for _, step := range steps {
		step()
		d.Cycle()
	}
	require.NoError(t, e.RemoveMidiPort(in))

	sounding := map[uint8]int{}
	for _, ev := range s.take() {
		switch ev.Type {
		case midi.NoteOn:
			sounding[ev.Data1]++
		case midi.NoteOff:
			sounding[ev.Data1]--
		}
	}
	for note, n := range sounding {
		assert.LessOrEqual(t, n, 0, "note %d left sounding", note)
	}
	assert.Zero(t, e.notes.len())
}

func TestPanicReleasesEverythingAndBlocksNewNotes(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	out, _ := e.AddMidiPort("out", transport.Output)
	pl, s := addSynth(t, e, "piano")
	activeRoute(t, e, in, ToPlugin(pl), midi.AllPass())
	activeRoute(t, e, in, ToPort(out), midi.AllPass())

	d.Port("in").Inject([]byte{0x90, 60, 100}, []byte{0x90, 64, 100})
	d.Cycle()
	s.take()
	d.Port("out").Sent()

	e.Panic(true)
	assert.True(t, e.Panicking())
	d.Port("in").Inject([]byte{0x90, 67, 100})
	d.Cycle()

	got := s.take()
	assert.Contains(t, got, midi.NoteOffEvent(0, 60, 0))
	assert.Contains(t, got, midi.NoteOffEvent(0, 64, 0))
	assert.Contains(t, got, midi.ControlChangeEvent(0, midi.CCAllNotesOff, 0))
	assert.NotContains(t, got, midi.NoteOnEvent(0, 67, 100))

	sent := d.Port("out").Sent()
	assert.Contains(t, sent, []byte{0x80, 60, 0})
	assert.Contains(t, sent, []byte{0x80, 64, 0})
	for ch := byte(0); ch < 16; ch++ {
		assert.Contains(t, sent, []byte{0xB0 | ch, 123, 0})
	}
	assert.NotContains(t, sent, []byte{0x90, 67, 100})

	// still suppressed on later blocks
	d.Port("in").Inject([]byte{0x90, 68, 100})
	d.Cycle()
	assert.Empty(t, s.take())

	e.Panic(false)
	d.Port("in").Inject([]byte{0x90, 69, 100})
	d.Cycle()
	assert.Equal(t, []midi.Event{midi.NoteOnEvent(0, 69, 100)}, s.take())
}

func TestBankSelectProgramAndZone(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	f := midi.AllPass()
	f.Zone.LowNote, f.Zone.HighNote = 36, 96
	require.NoError(t, e.SetPortFilter(in, f))
	pl, s := addSynth(t, e, "piano")
	activeRoute(t, e, in, ToPlugin(pl), midi.AllPass())

	d.Port("in").Inject([]byte{0xB0, 0, 1}, []byte{0xB0, 32, 2}, []byte{0xC0, 5})
	d.Cycle()

	got := s.take()
	assert.Equal(t, []midi.Event{
		midi.ControlChangeEvent(0, midi.CCBankMSB, 1),
		midi.ControlChangeEvent(0, midi.CCBankLSB, 2),
		midi.ProgramChangeWithBank(0, 5, 1, 2),
	}, got)

	d.Port("in").Inject([]byte{0x90, 40, 100})
	d.Cycle()
	assert.Equal(t, []midi.Event{midi.NoteOnEvent(0, 40, 100)}, s.take())

	d.Port("in").Inject([]byte{0x80, 40, 0})
	d.Cycle()
	assert.Equal(t, []midi.Event{midi.NoteOffEvent(0, 40, 0)}, s.take())

	d.Port("in").Inject([]byte{0x90, 20, 100})
	d.Cycle()
	assert.Empty(t, s.take())
}

func TestBankSelectIsCancelledByOtherMessages(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	pl, s := addSynth(t, e, "piano")
	activeRoute(t, e, in, ToPlugin(pl), midi.AllPass())

	d.Port("in").Inject([]byte{0xB0, 0, 1}, []byte{0xB0, 7, 100}, []byte{0xC0, 5})
	d.Cycle()
	got := s.take()
	require.Len(t, got, 3)
	assert.False(t, got[2].HasBank())

	// clock does not cancel
	d.Port("in").Inject([]byte{0xB0, 0, 3}, []byte{0xF8}, []byte{0xB0, 32, 4}, []byte{0xC0, 6})
	d.Cycle()
	assert.Contains(t, s.take(), midi.ProgramChangeWithBank(0, 6, 3, 4))
}

func TestRxEventsSeeInputAndEveryDispatch(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	pl, _ := addSynth(t, e, "piano")
	route := activeRoute(t, e, in, ToPlugin(pl), transposed(1))

	d.Port("in").Inject([]byte{0x90, 60, 100}, []byte{0xF0, 0x7E, 0x01, 0xF7})
	d.Cycle()

	select {
	case <-e.Notify():
	default:
		t.Fatal("expected a notification")
	}

	rx := e.MidiRxEvents()
	require.Len(t, rx, 4)
	assert.Equal(t, RxEvent{Port: in, Event: midi.NoteOnEvent(0, 60, 100)}, rx[0])
	assert.Equal(t, RxEvent{Port: in, Route: route, Event: midi.NoteOnEvent(0, 61, 100)}, rx[1])
	assert.Equal(t, midi.SysEx, rx[2].Event.Type)
	assert.Nil(t, rx[2].Event.SysEx, "sysex payload is not kept")
	assert.Equal(t, route, rx[3].Route)
	assert.Empty(t, e.MidiRxEvents())
}

func TestSendMidiIsDeliveredUnfiltered(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	out, _ := e.AddMidiPort("out", transport.Output)
	f := midi.AllPass()
	f.PassProgram = false
	route, err := e.AddMidiRoute(in, ToPort(out), f)
	require.NoError(t, err)

	require.NoError(t, e.SendMidi(route,
		midi.ControlChangeEvent(2, 7, 90),
		midi.ProgramChangeEvent(2, 12),
	))
	d.Cycle()
	assert.Equal(t, [][]byte{{0xB2, 7, 90}, {0xC2, 12}}, d.Port("out").Sent())

	assert.ErrorIs(t, e.SendMidi(MidiRouteID{}), ErrStaleHandle)
}
