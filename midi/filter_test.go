package midi_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	. "patchhost/midi"
)

func zoneFilter(low, high, add int) Filter {
	f := AllPass()
	f.Zone.LowNote, f.Zone.HighNote, f.Zone.Add = low, high, add
	return f
}

func TestApplyNoteZone(t *testing.T) {
	f := zoneFilter(36, 96, 0)

	out, ok := Apply(f, NoteOnEvent(0, 40, 100))
	assert.True(t, ok)
	assert.Equal(t, NoteOnEvent(0, 40, 100), out)

	_, ok = Apply(f, NoteOnEvent(0, 20, 100))
	assert.False(t, ok, "below zone")

	_, ok = Apply(f, NoteOffEvent(0, 97, 0))
	assert.False(t, ok, "above zone")
}

func TestApplyTranspose(t *testing.T) {
	out, ok := Apply(zoneFilter(0, 127, 2), NoteOnEvent(0, 60, 90))
	assert.True(t, ok)
	assert.Equal(t, uint8(62), out.Data1)

	_, ok = Apply(zoneFilter(0, 127, 12), NoteOnEvent(0, 120, 90))
	assert.False(t, ok, "transposed past 127")

	_, ok = Apply(zoneFilter(0, 127, -12), NoteOffEvent(0, 5, 0))
	assert.False(t, ok, "transposed below 0")
}

func TestApplyVelocity(t *testing.T) {
	f := AllPass()
	f.Zone.LowVel, f.Zone.HighVel = 10, 100
	f.Zone.VelLimitMin, f.Zone.VelLimitMax = 40, 80

	_, ok := Apply(f, NoteOnEvent(0, 60, 5))
	assert.False(t, ok)
	_, ok = Apply(f, NoteOnEvent(0, 60, 110))
	assert.False(t, ok)

	out, ok := Apply(f, NoteOnEvent(0, 60, 20))
	assert.True(t, ok)
	assert.Equal(t, uint8(40), out.Data2)

	out, ok = Apply(f, NoteOnEvent(0, 60, 95))
	assert.True(t, ok)
	assert.Equal(t, uint8(80), out.Data2)

	// note-offs ignore the velocity window
	out, ok = Apply(f, NoteOffEvent(0, 60, 127))
	assert.True(t, ok)
	assert.Equal(t, uint8(127), out.Data2)
}

func TestApplyChannels(t *testing.T) {
	f := AllPass()
	f.InChannel = 3
	f.OutChannel = 9

	_, ok := Apply(f, NoteOnEvent(2, 60, 100))
	assert.False(t, ok)

	out, ok := Apply(f, NoteOnEvent(3, 60, 100))
	assert.True(t, ok)
	assert.Equal(t, uint8(9), out.Channel)

	sysex := Event{Type: SysEx, SysEx: []byte{0x7E, 0x00}}
	out, ok = Apply(f, sysex)
	assert.True(t, ok, "sysex bypasses channel rules")
	assert.Equal(t, uint8(0), out.Channel)
}

func TestApplyControllers(t *testing.T) {
	f := AllPass()
	f.PassAllCC = false
	f.CCs = []uint8{64}
	f.PassProgram = false
	f.PassPitchbend = false

	_, ok := Apply(f, ControlChangeEvent(0, 64, 127))
	assert.True(t, ok)
	_, ok = Apply(f, ControlChangeEvent(0, 1, 10))
	assert.False(t, ok)
	_, ok = Apply(f, ControlChangeEvent(0, CCAllNotesOff, 0))
	assert.True(t, ok, "all notes off always passes")
	_, ok = Apply(f, ProgramChangeEvent(0, 5))
	assert.False(t, ok)
	_, ok = Apply(f, PitchBendEvent(0, 100))
	assert.False(t, ok)

	f.PassProgram, f.PassPitchbend = true, true
	_, ok = Apply(f, ProgramChangeEvent(0, 5))
	assert.True(t, ok)
	_, ok = Apply(f, PitchBendEvent(0, 100))
	assert.True(t, ok)
}

func TestApplyIsPure(t *testing.T) {
	f := zoneFilter(30, 90, 5)
	f.PassAllCC = false
	f.CCs = []uint8{1, 7, 64}
	f.OutChannel = 4
	snapshot := f.Clone()

	events := []Event{
		NoteOnEvent(0, 60, 100),
		NoteOffEvent(1, 29, 0),
		ControlChangeEvent(2, 7, 90),
		ControlChangeEvent(2, 8, 90),
		ProgramChangeWithBank(0, 5, 1, 2),
		PitchBendEvent(3, -300),
	}
	for _, ev := range events {
		first, ok1 := Apply(f, ev)
		second, ok2 := Apply(f, ev)
		assert.Equal(t, ok1, ok2, ev.String())
		assert.Equal(t, first, second, ev.String())
	}
	assert.True(t, snapshot.Equal(f), "filter must not be mutated")
}

func TestCloneDetachesCCs(t *testing.T) {
	f := AllPass()
	f.CCs = []uint8{1, 2}
	c := f.Clone()
	c.CCs[0] = 99
	assert.Equal(t, uint8(1), f.CCs[0])
	assert.False(t, f.Equal(c))
}
