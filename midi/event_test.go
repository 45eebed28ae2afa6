package midi_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	. "patchhost/midi"
)

func TestDecodeNoteOnZeroVelocityIsNoteOff(t *testing.T) {
	ev, ok := Decode([]byte{0x93, 60, 0})
	assert.True(t, ok)
	assert.Equal(t, NoteOff, ev.Type)
	assert.Equal(t, uint8(3), ev.Channel)
	assert.Equal(t, uint8(60), ev.Data1)
}

func TestDecodePitchbendIsSigned(t *testing.T) {
	ev, ok := Decode([]byte{0xE0, 0x00, 0x40})
	assert.True(t, ok)
	assert.Equal(t, Pitchbend, ev.Type)
	assert.Equal(t, int16(0), ev.Bend)

	ev, ok = Decode([]byte{0xE1, 0x00, 0x00})
	assert.True(t, ok)
	assert.Equal(t, int16(-8192), ev.Bend)
}

func TestEncodeWritesWireFormat(t *testing.T) {
	buf := make([]byte, 0, 3)
	assert.Equal(t, []byte{0x95, 61, 100}, NoteOnEvent(5, 61, 100).Encode(buf))
	assert.Equal(t, []byte{0xB0, 123, 0}, ControlChangeEvent(0, CCAllNotesOff, 0).Encode(buf))
	assert.Equal(t, []byte{0xC2, 7}, ProgramChangeEvent(2, 7).Encode(buf))
	assert.Equal(t, []byte{0xE0, 0x00, 0x40}, PitchBendEvent(0, 0).Encode(buf))
}

func TestDecodeEncodeAgree(t *testing.T) {
	for _, ev := range []Event{
		NoteOnEvent(1, 64, 33),
		ControlChangeEvent(15, 64, 127),
		PitchBendEvent(2, 4000),
	} {
		got, ok := Decode(ev.Encode(nil))
		assert.True(t, ok)
		assert.Equal(t, ev, got)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, ok := Decode(nil)
	assert.False(t, ok)
	_, ok = Decode([]byte{0x40})
	assert.False(t, ok)
}

func TestProgramChangeWithBank(t *testing.T) {
	ev := ProgramChangeWithBank(0, 5, 1, 2)
	assert.True(t, ev.HasBank())
	assert.False(t, ProgramChangeEvent(0, 5).HasBank())
	assert.Contains(t, ev.String(), "bank: 1/2")
}

func TestTypeText(t *testing.T) {
	b, err := Program.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "Program", string(b))

	var typ Type
	assert.NoError(t, typ.UnmarshalText([]byte("CC")))
	assert.Equal(t, CC, typ)
	assert.Error(t, typ.UnmarshalText([]byte("Clock")))
}
