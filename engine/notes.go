package engine

import "patchhost/midi"

// noteRecord remembers where a NoteOn went and how it was transformed, so the
// matching NoteOff reaches the same destination on the same note and channel
// whatever happened to the filters since.
type noteRecord struct {
	src        MidiPortID
	route      MidiRouteID
	inNote     uint8
	inChannel  uint8
	outNote    uint8
	outChannel uint8
	dst        Destination
}

func (r noteRecord) noteOff(velocity uint8) midi.Event {
	return midi.NoteOffEvent(r.outChannel, r.outNote, velocity)
}

// noteTable is a fixed-capacity set of records. Only the process callback
// and control-thread code holding the MIDI guard touch it.
type noteTable struct {
	recs []noteRecord
	n    int
}

func newNoteTable(capacity int) noteTable {
	return noteTable{recs: make([]noteRecord, max(capacity, 1))}
}

// add reports false when the table is full
func (t *noteTable) add(r noteRecord) bool {
	if t.n == len(t.recs) {
		return false
	}
	t.recs[t.n] = r
	t.n++
	return true
}

// find returns the index of a record for the input note, or -1
func (t *noteTable) find(src MidiPortID, route MidiRouteID, note, channel uint8) int {
	for i := 0; i < t.n; i++ {
		r := &t.recs[i]
		if r.src == src && r.route == route && r.inNote == note && r.inChannel == channel {
			return i
		}
	}
	return -1
}

// removeAt swaps the last record into i. Callers iterating forward must not
// advance i after a removal.
func (t *noteTable) removeAt(i int) noteRecord {
	r := t.recs[i]
	t.n--
	t.recs[i] = t.recs[t.n]
	t.recs[t.n] = noteRecord{}
	return r
}

func (t *noteTable) clear() {
	clear(t.recs[:t.n])
	t.n = 0
}

func (t *noteTable) len() int { return t.n }
