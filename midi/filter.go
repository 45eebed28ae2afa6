package midi

import "slices"

// Zone restricts and transforms note events
type Zone struct {
	LowNote     int
	HighNote    int
	Add         int // transpose in semitones
	LowVel      int // NoteOn outside [LowVel, HighVel] is rejected
	HighVel     int
	VelLimitMin int // velocity is clamped into [VelLimitMin, VelLimitMax]
	VelLimitMax int
}

// Filter is a declarative pass/transform rule for MIDI events.
//
// Apply never mutates the filter and never keeps state, so the process
// callback may evaluate filters without locking. The CCs slice must not be
// modified after the filter is handed to the engine; use Clone.
type Filter struct {
	Zone          Zone
	InChannel     int // AllChannels or 0-15
	PassAllCC     bool
	CCs           []uint8
	PassProgram   bool
	PassPitchbend bool
	OutChannel    int // -1 leaves the channel unchanged
}

// FullZone covers every note and velocity without transformation
func FullZone() Zone {
	return Zone{
		LowNote:     NoteMin,
		HighNote:    NoteMax,
		LowVel:      0,
		HighVel:     127,
		VelLimitMin: 0,
		VelLimitMax: 127,
	}
}

// AllPass returns a filter that lets every event through unchanged
func AllPass() Filter {
	return Filter{
		Zone:          FullZone(),
		InChannel:     AllChannels,
		PassAllCC:     true,
		PassProgram:   true,
		PassPitchbend: true,
		OutChannel:    -1,
	}
}

// Clone returns a copy that shares no memory with f
func (f Filter) Clone() Filter {
	f.CCs = slices.Clone(f.CCs)
	return f
}

// Equal reports whether two filters behave identically
func (f Filter) Equal(o Filter) bool {
	return f.Zone == o.Zone &&
		f.InChannel == o.InChannel &&
		f.PassAllCC == o.PassAllCC &&
		f.PassProgram == o.PassProgram &&
		f.PassPitchbend == o.PassPitchbend &&
		f.OutChannel == o.OutChannel &&
		slices.Equal(f.CCs, o.CCs)
}

// PassesCC reports whether controller cc is let through. All-notes-off
// always passes since panic relies on it.
func (f Filter) PassesCC(cc uint8) bool {
	if cc == CCAllNotesOff || f.PassAllCC {
		return true
	}
	for _, c := range f.CCs {
		if c == cc {
			return true
		}
	}
	return false
}

// Apply evaluates f against ev and returns the transformed event, or false
// when the event is rejected.
func Apply(f Filter, ev Event) (Event, bool) {
	if !ev.IsChannelMessage() {
		return ev, true
	}
	if f.InChannel != AllChannels && int(ev.Channel) != f.InChannel {
		return Event{}, false
	}

	switch ev.Type {
	case NoteOn, NoteOff:
		z := f.Zone
		note := int(ev.Data1)
		if note < z.LowNote || note > z.HighNote {
			return Event{}, false
		}
		if ev.Type == NoteOn {
			vel := int(ev.Data2)
			if vel < z.LowVel || vel > z.HighVel {
				return Event{}, false
			}
			vel = min(max(vel, z.VelLimitMin), z.VelLimitMax)
			// a clamped NoteOn must stay a NoteOn
			ev.Data2 = uint8(max(vel, 1))
		}
		note += z.Add
		if note < NoteMin || note > NoteMax {
			return Event{}, false
		}
		ev.Data1 = uint8(note)
	case CC:
		if !f.PassesCC(ev.Data1) {
			return Event{}, false
		}
	case PolyAftertouch, ChannelAftertouch:
		if !f.PassAllCC {
			return Event{}, false
		}
		if ev.Type == PolyAftertouch {
			note := int(ev.Data1) + f.Zone.Add
			if note < NoteMin || note > NoteMax {
				return Event{}, false
			}
			ev.Data1 = uint8(note)
		}
	case Program:
		if !f.PassProgram {
			return Event{}, false
		}
	case Pitchbend:
		if !f.PassPitchbend {
			return Event{}, false
		}
	}

	if f.OutChannel >= 0 {
		ev.Channel = uint8(f.OutChannel) & 0x0F
	}
	return ev, true
}

// Transpose shifts a note event by semitones. It reports false when the
// result leaves the MIDI note range.
func Transpose(ev Event, semitones int) (Event, bool) {
	if semitones == 0 || (ev.Type != NoteOn && ev.Type != NoteOff && ev.Type != PolyAftertouch) {
		return ev, true
	}
	note := int(ev.Data1) + semitones
	if note < NoteMin || note > NoteMax {
		return Event{}, false
	}
	ev.Data1 = uint8(note)
	return ev, true
}
