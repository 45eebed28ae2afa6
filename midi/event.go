package midi

import (
	"fmt"

	gomidi "gitlab.com/gomidi/midi/v2"
)

// Type identifies the kind of a MIDI event
type Type uint8

const (
	NoteOff Type = iota
	NoteOn
	PolyAftertouch
	CC
	Program
	ChannelAftertouch
	Pitchbend
	SysEx
	System
)

var typeNames = [...]string{"NoteOff", "NoteOn", "PolyAftertouch", "CC", "Program", "ChannelAftertouch", "Pitchbend", "SysEx", "System"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// ParseType accepts the names String returns
func ParseType(s string) (Type, error) {
	for i, name := range typeNames {
		if name == s {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	if int(t) >= len(typeNames) {
		return nil, fmt.Errorf("unknown event type %d", uint8(t))
	}
	return []byte(typeNames[t]), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Controller numbers with engine-level meaning
const (
	CCBankMSB     uint8 = 0
	CCBankLSB     uint8 = 32
	CCSustain     uint8 = 64
	CCAllSoundOff uint8 = 120
	CCAllNotesOff uint8 = 123
)

const (
	NoteMin     = 0
	NoteMax     = 127
	AllChannels = -1
	BendCenter  = 8192
	NoBank      = -1
)

// Event is a single MIDI message. It is a value type and is copied freely.
//
// Bend holds the pitchbend amount centred at 0 (-8192..8191); the 14-bit wire
// value is Bend+8192. BankMSB/BankLSB are only meaningful on Program events and
// are NoBank when no bank select preceded the program change.
type Event struct {
	Type    Type
	Channel uint8
	Data1   uint8 // note, controller, program or pressure
	Data2   uint8 // velocity, controller value or poly pressure
	Bend    int16
	BankMSB int8
	BankLSB int8
	SysEx   []byte // payload without F0/F7, only valid for the current cycle when decoded on the RT path
}

// NoteOnEvent creates a NoteOn event
func NoteOnEvent(channel, note, velocity uint8) Event {
	return Event{Type: NoteOn, Channel: channel & 0x0F, Data1: note & 0x7F, Data2: velocity & 0x7F, BankMSB: NoBank, BankLSB: NoBank}
}

// NoteOffEvent creates a NoteOff event
func NoteOffEvent(channel, note, velocity uint8) Event {
	return Event{Type: NoteOff, Channel: channel & 0x0F, Data1: note & 0x7F, Data2: velocity & 0x7F, BankMSB: NoBank, BankLSB: NoBank}
}

// ControlChangeEvent creates a CC event
func ControlChangeEvent(channel, controller, value uint8) Event {
	return Event{Type: CC, Channel: channel & 0x0F, Data1: controller & 0x7F, Data2: value & 0x7F, BankMSB: NoBank, BankLSB: NoBank}
}

// ProgramChangeEvent creates a program change without bank information
func ProgramChangeEvent(channel, program uint8) Event {
	return Event{Type: Program, Channel: channel & 0x0F, Data1: program & 0x7F, BankMSB: NoBank, BankLSB: NoBank}
}

// ProgramChangeWithBank creates a program change carrying the preceding bank select
func ProgramChangeWithBank(channel, program uint8, msb, lsb int8) Event {
	ev := ProgramChangeEvent(channel, program)
	ev.BankMSB, ev.BankLSB = msb, lsb
	return ev
}

// PitchBendEvent creates a pitchbend event from a signed value centred at 0
func PitchBendEvent(channel uint8, bend int16) Event {
	if bend < -BendCenter {
		bend = -BendCenter
	}
	if bend > BendCenter-1 {
		bend = BendCenter - 1
	}
	return Event{Type: Pitchbend, Channel: channel & 0x0F, Bend: bend, BankMSB: NoBank, BankLSB: NoBank}
}

// HasBank reports whether a program change carries a full bank select
func (e Event) HasBank() bool {
	return e.Type == Program && e.BankMSB >= 0 && e.BankLSB >= 0
}

// IsChannelMessage reports whether the event is addressed to a channel
func (e Event) IsChannelMessage() bool {
	return e.Type != SysEx && e.Type != System
}

// Decode parses raw wire bytes. NoteOn with velocity 0 decodes as NoteOff.
// SysEx payloads alias b.
func Decode(b []byte) (Event, bool) {
	if len(b) == 0 {
		return Event{}, false
	}
	msg := gomidi.Message(b)
	ev := Event{BankMSB: NoBank, BankLSB: NoBank}

	var ch, d1, d2 uint8
	var rel int16
	var abs uint16
	var sysex []byte

	switch {
	case msg.GetNoteStart(&ch, &d1, &d2):
		ev.Type, ev.Channel, ev.Data1, ev.Data2 = NoteOn, ch, d1, d2
	case msg.GetNoteOff(&ch, &d1, &d2):
		ev.Type, ev.Channel, ev.Data1, ev.Data2 = NoteOff, ch, d1, d2
	case msg.GetNoteEnd(&ch, &d1):
		ev.Type, ev.Channel, ev.Data1 = NoteOff, ch, d1
	case msg.GetControlChange(&ch, &d1, &d2):
		ev.Type, ev.Channel, ev.Data1, ev.Data2 = CC, ch, d1, d2
	case msg.GetProgramChange(&ch, &d1):
		ev.Type, ev.Channel, ev.Data1 = Program, ch, d1
	case msg.GetPitchBend(&ch, &rel, &abs):
		ev.Type, ev.Channel, ev.Bend = Pitchbend, ch, rel
	case msg.GetPolyAfterTouch(&ch, &d1, &d2):
		ev.Type, ev.Channel, ev.Data1, ev.Data2 = PolyAftertouch, ch, d1, d2
	case msg.GetAfterTouch(&ch, &d1):
		ev.Type, ev.Channel, ev.Data1 = ChannelAftertouch, ch, d1
	case msg.GetSysEx(&sysex):
		ev.Type, ev.SysEx = SysEx, sysex
	default:
		if b[0] < 0xF0 {
			return Event{}, false
		}
		ev.Type, ev.Data1 = System, b[0]
		if len(b) > 1 {
			ev.Data2 = b[1]
		}
	}
	return ev, true
}

// Encode writes the wire bytes of e into dst[:0] and returns the result.
// It does not allocate when dst has room for the message, which makes it safe
// to call from the process callback. Pass a buffer of at least 3 bytes.
func (e Event) Encode(dst []byte) []byte {
	dst = dst[:0]
	ch := e.Channel & 0x0F
	switch e.Type {
	case NoteOff:
		return append(dst, 0x80|ch, e.Data1&0x7F, e.Data2&0x7F)
	case NoteOn:
		return append(dst, 0x90|ch, e.Data1&0x7F, e.Data2&0x7F)
	case PolyAftertouch:
		return append(dst, 0xA0|ch, e.Data1&0x7F, e.Data2&0x7F)
	case CC:
		return append(dst, 0xB0|ch, e.Data1&0x7F, e.Data2&0x7F)
	case Program:
		return append(dst, 0xC0|ch, e.Data1&0x7F)
	case ChannelAftertouch:
		return append(dst, 0xD0|ch, e.Data1&0x7F)
	case Pitchbend:
		v := uint16(int(e.Bend) + BendCenter)
		return append(dst, 0xE0|ch, byte(v&0x7F), byte((v>>7)&0x7F))
	case SysEx:
		dst = append(dst, 0xF0)
		dst = append(dst, e.SysEx...)
		return append(dst, 0xF7)
	default:
		return append(dst, e.Data1)
	}
}

// Message converts the event to a gomidi message. It allocates and is meant
// for the control thread and hardware senders.
func (e Event) Message() gomidi.Message {
	switch e.Type {
	case NoteOff:
		return gomidi.NoteOffVelocity(e.Channel, e.Data1, e.Data2)
	case NoteOn:
		return gomidi.NoteOn(e.Channel, e.Data1, e.Data2)
	case PolyAftertouch:
		return gomidi.PolyAfterTouch(e.Channel, e.Data1, e.Data2)
	case CC:
		return gomidi.ControlChange(e.Channel, e.Data1, e.Data2)
	case Program:
		return gomidi.ProgramChange(e.Channel, e.Data1)
	case ChannelAftertouch:
		return gomidi.AfterTouch(e.Channel, e.Data1)
	case Pitchbend:
		return gomidi.Pitchbend(e.Channel, e.Bend)
	case SysEx:
		return gomidi.SysEx(e.SysEx)
	default:
		return gomidi.Message(e.Encode(make([]byte, 0, 3)))
	}
}

func (e Event) String() string {
	s := e.Message().String()
	if e.HasBank() {
		s += fmt.Sprintf(" bank: %d/%d", e.BankMSB, e.BankLSB)
	}
	return s
}
