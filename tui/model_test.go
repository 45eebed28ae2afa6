package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchhost/engine"
	"patchhost/midi"
	"patchhost/patch"
	"patchhost/synth"
	"patchhost/theme"
	"patchhost/transport/memdrv"
)

type silentSynth struct{}

func (silentSynth) DeliverEvent(midi.Event) bool    { return true }
func (silentSynth) DeliverEventWait(midi.Event)     {}
func (silentSynth) RenderFrames(l, r []float32) int { return len(l) }
func (silentSynth) ReleaseAll()                     {}
func (silentSynth) Close() error                    { return nil }

func newTestModel(t *testing.T) (Model, *memdrv.Driver) {
	t.Helper()
	d := memdrv.New("patchhost", 48000, 64)
	e := engine.New(d)
	require.NoError(t, e.Start())
	t.Cleanup(func() { assert.NoError(t, e.Close()) })

	proj, err := patch.NewProject(e, patch.ProjectState{
		MidiIn: []patch.MidiPortState{{Name: "keys"}},
		Buses:  []patch.StereoPortState{{Name: "master"}},
	}, nil)
	require.NoError(t, err)
	host := patch.NewHost(e, proj, func(synth.Program) (engine.Synth, error) { return silentSynth{}, nil }, nil)

	patches := []patch.Patch{
		{Name: "Piano", Layers: []patch.Layer{patch.Soundfont(synth.Program{Name: "Grand"}), patch.Soundfont(synth.Program{Name: "Strings"})}},
		{Name: "Organ", Layers: []patch.Layer{patch.Soundfont(synth.Program{Name: "B3"})}},
	}
	host.SetPatches(patches)
	require.NoError(t, host.SelectPatch(0))
	return NewModel(e, host, theme.New(nil)), d
}

func press(t *testing.T, m Model, key string) Model {
	t.Helper()
	var msg tea.KeyMsg
	if key == " " {
		msg = tea.KeyMsg{Type: tea.KeySpace}
	} else {
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
	}
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestKeysDriveEngine(t *testing.T) {
	m, _ := newTestModel(t)

	m = press(t, m, "+")
	m = press(t, m, "+")
	assert.Equal(t, 2, m.Engine.GlobalTranspose())
	m = press(t, m, "0")
	assert.Equal(t, 0, m.Engine.GlobalTranspose())

	m = press(t, m, "p")
	assert.True(t, m.Engine.Panicking())
	assert.Contains(t, m.View(), "PANIC")
	m = press(t, m, "p")
	assert.False(t, m.Engine.Panicking())

	m = press(t, m, " ")
	assert.True(t, m.Engine.Paused())
	m = press(t, m, " ")
	assert.False(t, m.Engine.Paused())
}

func TestKeysDriveLayers(t *testing.T) {
	m, _ := newTestModel(t)

	m = press(t, m, "1")
	layers := m.Host.Layers()
	assert.True(t, layers[0].Mute)
	assert.False(t, layers[0].Active)

	m = press(t, m, "@")
	layers = m.Host.Layers()
	assert.True(t, layers[1].Solo)

	m = press(t, m, "9")
	m = press(t, m, "n")
	p, ok := m.Host.Patch()
	require.True(t, ok)
	assert.Equal(t, "Organ", p.Name)
	m = press(t, m, "N")
	p, _ = m.Host.Patch()
	assert.Equal(t, "Piano", p.Name)
	m = press(t, m, "N")
	p, _ = m.Host.Patch()
	assert.Equal(t, "Organ", p.Name, "wraps")
	assert.Contains(t, m.View(), "2/2 Organ")
	m = press(t, m, "n")
	assert.Contains(t, m.View(), "Strings")
}

func TestRxActivityIsShown(t *testing.T) {
	m, d := newTestModel(t)
	d.Port("keys").Inject([]byte{0x90, 60, 100})
	d.Cycle()

	next, cmd := m.Update(RxMsg{})
	m = next.(Model)
	assert.NotNil(t, cmd)
	require.NotEmpty(t, m.activity)
	assert.Contains(t, m.activity[0], "in 1")

	next, _ = m.Update(NoticeMsg("midi device connected: pads"))
	m = next.(Model)
	assert.Contains(t, m.View(), "pads")

	next, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.NotNil(t, cmd)
	assert.Empty(t, next.View())
}

func TestTriggerShowsInActivity(t *testing.T) {
	m, d := newTestModel(t)
	require.NoError(t, m.Host.SetTriggers([]patch.Trigger{
		{Action: patch.ActionNextPatch, Type: midi.CC, Data1: 20, BankMSB: midi.NoBank, BankLSB: midi.NoBank},
	}))
	d.Port("keys").Inject([]byte{0xB0, 20, 127})
	d.Cycle()

	next, _ := m.Update(RxMsg{})
	m = next.(Model)
	require.NotEmpty(t, m.activity)
	assert.Contains(t, m.activity[0], "nextPatch")
	assert.Contains(t, m.View(), "2/2 Organ")
}
