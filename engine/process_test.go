package engine

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchhost/midi"
	"patchhost/transport"
)

func ones(n int) []float32 {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = 1
	}
	return buf
}

func TestAudioRoutesSumIntoBus(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddAudioPort("in", transport.Input)
	bus, _ := e.AddAudioPort("bus", transport.Output)
	d.Port("in").SetAudioInput(ones(block))

	pl, s := addSynth(t, e, "piano")
	s.level = 0.5
	left, _, _ := e.PluginPorts(pl)

	direct, err := e.AddAudioRoute(in, bus)
	require.NoError(t, err)
	layer, err := e.AddAudioRoute(left, bus)
	require.NoError(t, err)

	d.Cycle()
	assert.Equal(t, make([]float32, block), d.Port("bus").LastAudio(), "routes start inactive")

	require.NoError(t, e.SetAudioRouteActive(direct, true))
	require.NoError(t, e.SetAudioRouteActive(layer, true))
	require.NoError(t, e.SetAudioRouteGain(layer, 0.5))
	d.Cycle()
	out := d.Port("bus").LastAudio()
	assert.InDelta(t, 1.25, out[0], 1e-6)
	assert.InDelta(t, 1.25, out[block-1], 1e-6)

	require.NoError(t, e.SetAudioPortGain(bus, 2))
	require.NoError(t, e.SetAudioPortGain(in, 0))
	d.Cycle()
	assert.InDelta(t, 0.5, d.Port("bus").LastAudio()[0], 1e-6)

	gain, err := e.AudioPortGain(bus)
	require.NoError(t, err)
	assert.Equal(t, float32(2), gain)

	levels := e.AudioActivity()
	assert.InDelta(t, 1.25, levels[bus], 1e-6, "peak hold since the last read")
	assert.InDelta(t, 1, levels[in], 1e-6)
	assert.InDelta(t, 0.5, levels[left], 1e-6)
	assert.Zero(t, e.AudioActivity()[bus])
}

func TestFadeOutIsMonotonic(t *testing.T) {
	const fade = 100
	e, d := newTestEngine(t, WithFadeOutFrames(fade))
	in, _ := e.AddAudioPort("in", transport.Input)
	bus, _ := e.AddAudioPort("bus", transport.Output)
	d.Port("in").SetAudioInput(ones(block))

	route, err := e.AddAudioRoute(in, bus)
	require.NoError(t, err)
	require.NoError(t, e.SetAudioRouteActive(route, true))
	d.Cycle()
	assert.Equal(t, ones(block), d.Port("bus").LastAudio())

	require.NoError(t, e.SetAudioRouteActive(route, false))
	var samples []float32
	for i := 0; i < 3; i++ {
		d.Cycle()
		samples = append(samples, d.Port("bus").LastAudio()...)
	}

	assert.Equal(t, float32(1), samples[0], "fade starts from the current gain")
	for k := 1; k < len(samples); k++ {
		assert.LessOrEqual(t, samples[k], samples[k-1], "frame %d", k)
		assert.LessOrEqual(t, samples[k-1]-samples[k], float32(1.0/fade)+1e-6, "frame %d", k)
	}
	assert.Zero(t, samples[fade])
	assert.Zero(t, samples[len(samples)-1])

	// reactivation snaps back
	require.NoError(t, e.SetAudioRouteActive(route, true))
	d.Cycle()
	assert.Equal(t, ones(block), d.Port("bus").LastAudio())
}

func TestFadeRestartsWhenReactivatedMidFade(t *testing.T) {
	e, d := newTestEngine(t, WithFadeOutFrames(block*4))
	in, _ := e.AddAudioPort("in", transport.Input)
	bus, _ := e.AddAudioPort("bus", transport.Output)
	d.Port("in").SetAudioInput(ones(block))
	route, _ := e.AddAudioRoute(in, bus)

	require.NoError(t, e.SetAudioRouteActive(route, true))
	d.Cycle()
	require.NoError(t, e.SetAudioRouteActive(route, false))
	d.Cycle()
	assert.Less(t, d.Port("bus").LastAudio()[block-1], float32(1))

	require.NoError(t, e.SetAudioRouteActive(route, true))
	d.Cycle()
	assert.Equal(t, ones(block), d.Port("bus").LastAudio())
}

func TestHeldGuardDoesNotBlockCallback(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	out, _ := e.AddMidiPort("out", transport.Output)
	ain, _ := e.AddAudioPort("ain", transport.Input)
	bus, _ := e.AddAudioPort("bus", transport.Output)
	d.Port("ain").SetAudioInput(ones(block))
	pl, s := addSynth(t, e, "piano")
	activeRoute(t, e, in, ToPlugin(pl), midi.AllPass())
	activeRoute(t, e, in, ToPort(out), midi.AllPass())
	route, _ := e.AddAudioRoute(ain, bus)
	require.NoError(t, e.SetAudioRouteActive(route, true))

	e.guards.lockAll()
	d.Port("in").Inject([]byte{0x90, 60, 100})

	start := time.Now()
	assert.True(t, d.Cycle())
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	// outputs are silent, never left holding garbage
	assert.Equal(t, make([]float32, block), d.Port("bus").LastAudio())
	assert.Empty(t, d.Port("out").Sent())
	assert.Empty(t, s.take())
	assert.Equal(t, uint64(1), e.Stats().GuardMisses)
	e.guards.unlockAll()

	d.Cycle()
	assert.Equal(t, ones(block), d.Port("bus").LastAudio())
	assert.Equal(t, uint64(2), e.Stats().Cycles)
}

func TestSplitGuardsKeepAudioRunningDuringMidiEdits(t *testing.T) {
	e, d := newTestEngine(t, WithGuardMode(SplitGuards))
	in, _ := e.AddMidiPort("in", transport.Input)
	ain, _ := e.AddAudioPort("ain", transport.Input)
	bus, _ := e.AddAudioPort("bus", transport.Output)
	d.Port("ain").SetAudioInput(ones(block))
	pl, s := addSynth(t, e, "piano")
	s.level = 0.25
	activeRoute(t, e, in, ToPlugin(pl), midi.AllPass())
	left, _, _ := e.PluginPorts(pl)
	direct, _ := e.AddAudioRoute(ain, bus)
	layer, _ := e.AddAudioRoute(left, bus)
	require.NoError(t, e.SetAudioRouteActive(direct, true))
	require.NoError(t, e.SetAudioRouteActive(layer, true))

	e.guards.midi.Lock()
	d.Port("in").Inject([]byte{0x90, 60, 100})
	d.Cycle()
	assert.InDelta(t, 1.25, d.Port("bus").LastAudio()[0], 1e-6)
	assert.Empty(t, s.take())
	e.guards.midi.Unlock()

	// a held synth guard leaves plugin outputs silent but mixes the rest
	e.guards.synth.Lock()
	d.Cycle()
	assert.InDelta(t, 1, d.Port("bus").LastAudio()[0], 1e-6)
	e.guards.synth.Unlock()

	e.guards.audio.Lock()
	d.Cycle()
	assert.Equal(t, make([]float32, block), d.Port("bus").LastAudio())
	e.guards.audio.Unlock()

	assert.Equal(t, uint64(3), e.Stats().GuardMisses)
}

func TestPausedEngineOutputsSilence(t *testing.T) {
	e, d := newTestEngine(t)
	in, _ := e.AddMidiPort("in", transport.Input)
	ain, _ := e.AddAudioPort("ain", transport.Input)
	bus, _ := e.AddAudioPort("bus", transport.Output)
	d.Port("ain").SetAudioInput(ones(block))
	pl, s := addSynth(t, e, "piano")
	activeRoute(t, e, in, ToPlugin(pl), midi.AllPass())
	route, _ := e.AddAudioRoute(ain, bus)
	require.NoError(t, e.SetAudioRouteActive(route, true))

	e.PauseProcessing(true)
	assert.True(t, e.Paused())
	d.Port("in").Inject([]byte{0x90, 60, 100})
	d.Cycle()
	assert.Equal(t, make([]float32, block), d.Port("bus").LastAudio())
	assert.Empty(t, s.take())
	assert.Zero(t, e.Stats().GuardMisses)

	e.PauseProcessing(false)
	d.Cycle()
	assert.Equal(t, ones(block), d.Port("bus").LastAudio())
}

func TestSkippedBlocksLeaveNoInputBacklog(t *testing.T) {
	e, d := newTestEngine(t)
	d.KeepUnread(true)
	in, _ := e.AddMidiPort("in", transport.Input)
	pl, s := addSynth(t, e, "piano")
	activeRoute(t, e, in, ToPlugin(pl), midi.AllPass())

	e.PauseProcessing(true)
	d.Port("in").Inject([]byte{0x90, 60, 100})
	d.Cycle()
	e.PauseProcessing(false)
	d.Cycle()
	assert.Empty(t, s.take(), "input seen while paused is dropped")

	e.guards.lockAll()
	d.Port("in").Inject([]byte{0x90, 61, 100})
	d.Cycle()
	e.guards.unlockAll()
	d.Cycle()
	assert.Empty(t, s.take(), "input seen during a guard miss is dropped")

	d.Port("in").Inject([]byte{0x90, 62, 100})
	d.Cycle()
	assert.Equal(t, []midi.Event{midi.NoteOnEvent(0, 62, 100)}, s.take())
}

func TestXrunsAndDropsAreCounted(t *testing.T) {
	e, _ := newTestEngine(t, WithRxBufferSize(2))
	e.ReportXrun()
	e.ReportXrun()
	assert.Equal(t, uint64(2), e.Stats().Xruns)

	e.pushRx(MidiPortID{}, MidiRouteID{}, midi.NoteOnEvent(0, 60, 1))
	e.pushRx(MidiPortID{}, MidiRouteID{}, midi.NoteOnEvent(0, 61, 1))
	e.pushRx(MidiPortID{}, MidiRouteID{}, midi.NoteOnEvent(0, 62, 1))
	assert.Equal(t, uint64(1), e.Stats().RxOverflows)
}

func TestNoteTableOverflowDropsNoteOn(t *testing.T) {
	e, d := newTestEngine(t, WithMaxNotes(1))
	in, _ := e.AddMidiPort("in", transport.Input)
	pl, s := addSynth(t, e, "piano")
	activeRoute(t, e, in, ToPlugin(pl), midi.AllPass())

	d.Port("in").Inject([]byte{0x90, 60, 100}, []byte{0x90, 61, 100})
	d.Cycle()
	assert.Equal(t, []midi.Event{midi.NoteOnEvent(0, 60, 100)}, s.take())
	assert.Equal(t, uint64(1), e.Stats().RecordOverflows)
}

func TestMutationsWhileRunning(t *testing.T) {
	e, d := newTestEngine(t, WithGuardMode(SplitGuards))
	in, _ := e.AddMidiPort("in", transport.Input)
	pl, _ := addSynth(t, e, "piano")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				d.Cycle()
				runtime.Gosched()
			}
		}
	}()

	require.Eventually(t, func() bool { return e.Stats().Cycles > 0 }, time.Second, time.Millisecond)

	for i := 0; i < 200; i++ {
		out, err := e.AddMidiPort("out", transport.Output)
		require.NoError(t, err)
		bus, err := e.AddAudioPort("bus", transport.Output)
		require.NoError(t, err)
		left, _, _ := e.PluginPorts(pl)
		ar, err := e.AddAudioRoute(left, bus)
		require.NoError(t, err)
		require.NoError(t, e.SetAudioRouteActive(ar, true))
		r := activeRoute(t, e, in, ToPort(out), transposed(i%12))
		d.Port("in").Inject([]byte{0x90, 60, 100})
		require.NoError(t, e.SetMidiRouteActive(r, i%2 == 0))
		require.NoError(t, e.RemoveMidiPort(out))
		require.NoError(t, e.RemoveAudioPort(bus))
	}
	close(stop)
	wg.Wait()

	assert.Empty(t, e.MidiRoutes())
	assert.Empty(t, e.AudioRoutes())
	assert.Positive(t, e.Stats().Cycles)
}
