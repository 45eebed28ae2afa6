package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"patchhost/midi"
)

var (
	ErrNoSuchPatch   = errors.New("no such patch")
	ErrUnknownAction = errors.New("unknown trigger action")
)

// Action is what a trigger does when its event arrives
type Action string

const (
	ActionPanic          Action = "panic"       // momentary
	ActionPanicToggle    Action = "panicToggle" // latched
	ActionNextPatch      Action = "nextPatch"
	ActionPrevPatch      Action = "prevPatch"
	ActionPatch          Action = "patch" // Index selects the patch
	ActionMasterGain     Action = "masterGain"
	ActionMasterGainUp   Action = "masterGainUp"
	ActionMasterGainDown Action = "masterGainDown"
	ActionLayerGain      Action = "layerGain" // Index selects the layer
	ActionLayerMute      Action = "layerMute"
	ActionLayerSolo      Action = "layerSolo"
	ActionTranspose      Action = "transpose" // Amount semitones, 0 resets
)

const (
	momentaryPanic = 100 * time.Millisecond
	masterGainStep = 0.01
)

// Trigger binds an incoming MIDI event to a host action. Banks only take
// part in matching for program changes.
type Trigger struct {
	Action  Action    `json:"action"`
	Index   int       `json:"index,omitempty"`
	Amount  int       `json:"amount,omitempty"`
	Type    midi.Type `json:"type"`
	Channel uint8     `json:"channel"`
	Data1   uint8     `json:"data1"`
	BankMSB int8      `json:"bankMSB"`
	BankLSB int8      `json:"bankLSB"`
}

// UnmarshalJSON leaves absent banks at NoBank
func (t *Trigger) UnmarshalJSON(data []byte) error {
	type plain Trigger
	v := plain{BankMSB: midi.NoBank, BankLSB: midi.NoBank}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*t = Trigger(v)
	return nil
}

// Validate reports an unknown action
func (t Trigger) Validate() error {
	switch t.Action {
	case ActionPanic, ActionPanicToggle, ActionNextPatch, ActionPrevPatch, ActionPatch,
		ActionMasterGain, ActionMasterGainUp, ActionMasterGainDown,
		ActionLayerGain, ActionLayerMute, ActionLayerSolo, ActionTranspose:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, t.Action)
}

type triggerKey struct {
	typ              midi.Type
	channel, data1   uint8
	bankMSB, bankLSB int8
}

func keyOf(typ midi.Type, channel, data1 uint8, msb, lsb int8) triggerKey {
	if typ != midi.Program {
		msb, lsb = midi.NoBank, midi.NoBank
	}
	return triggerKey{typ: typ, channel: channel, data1: data1, bankMSB: msb, bankLSB: lsb}
}

func (t Trigger) key() triggerKey {
	return keyOf(t.Type, t.Channel, t.Data1, t.BankMSB, t.BankLSB)
}

func eventKey(ev midi.Event) triggerKey {
	return keyOf(ev.Type, ev.Channel, ev.Data1, ev.BankMSB, ev.BankLSB)
}

// SetTriggers replaces the trigger table. A later trigger on the same event
// replaces an earlier one.
func (h *Host) SetTriggers(ts []Trigger) error {
	table := make(map[triggerKey]Trigger, len(ts))
	for _, t := range ts {
		if err := t.Validate(); err != nil {
			return err
		}
		table[t.key()] = t
	}
	h.mu.Lock()
	h.triggers = table
	h.mu.Unlock()
	return nil
}

// SetProgramChangeSwitchesPatches makes a program change without bank
// select load the patch at the program number.
func (h *Host) SetProgramChangeSwitchesPatches(on bool) {
	h.mu.Lock()
	h.progSwitch = on
	h.mu.Unlock()
}

// SetPatches replaces the list SelectPatch and StepPatch choose from. The
// loaded patch, if listed by name, becomes the current one.
func (h *Host) SetPatches(ps []Patch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.patches = ps
	h.current = -1
	if h.patch == nil {
		return
	}
	for i := range ps {
		if ps[i].Name == h.patch.Name {
			h.current = i
			return
		}
	}
}

// Patches returns the patch list and the index of the current patch, -1
// when none of them is loaded.
func (h *Host) Patches() ([]Patch, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.patches, h.current
}

// SelectPatch loads the i-th patch of the list
func (h *Host) SelectPatch(i int) error {
	h.mu.Lock()
	if i < 0 || i >= len(h.patches) {
		h.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoSuchPatch, i)
	}
	p := h.patches[i]
	h.mu.Unlock()
	return h.loadListed(i, p)
}

// StepPatch moves through the list by delta, wrapping at either end
func (h *Host) StepPatch(delta int) error {
	h.mu.Lock()
	n := len(h.patches)
	if n == 0 {
		h.mu.Unlock()
		return ErrNoSuchPatch
	}
	i := ((h.current+delta)%n + n) % n
	if h.current < 0 && delta < 0 {
		i = n - 1
	}
	p := h.patches[i]
	h.mu.Unlock()
	return h.loadListed(i, p)
}

func (h *Host) loadListed(i int, p Patch) error {
	err := h.LoadPatch(p)
	h.mu.Lock()
	h.current = i
	h.mu.Unlock()
	return err
}

// react runs program-change switching and triggers for one event from an
// input port.
func (h *Host) react(ev midi.Event) Action {
	h.mu.Lock()
	t, hit := h.triggers[eventKey(ev)]
	progSwitch := h.progSwitch
	n := len(h.patches)
	h.mu.Unlock()

	var err error
	if progSwitch && ev.Type == midi.Program && ev.BankMSB == midi.NoBank && ev.BankLSB == midi.NoBank {
		i := int(ev.Data1)
		if i >= n {
			i = 0
		}
		if n > 0 {
			err = h.SelectPatch(i)
		}
	}
	if !hit {
		h.warn(ev, "", err)
		return ""
	}

	pressed := ev.Type == midi.Program || ev.Data2 > 0
	value := float32(ev.Data2) / 127
	switch t.Action {
	case ActionMasterGain:
		err = h.proj.SetMasterGain(value)
	case ActionLayerGain:
		err = h.SetLayerGain(t.Index, value)
	}
	if !pressed {
		h.warn(ev, t.Action, err)
		return t.Action
	}

	switch t.Action {
	case ActionPanic:
		h.e.Panic(true)
		time.AfterFunc(momentaryPanic, func() { h.e.Panic(false) })
	case ActionPanicToggle:
		h.e.Panic(!h.e.Panicking())
	case ActionNextPatch:
		err = h.StepPatch(1)
	case ActionPrevPatch:
		err = h.StepPatch(-1)
	case ActionPatch:
		err = h.SelectPatch(t.Index)
	case ActionMasterGainUp:
		err = h.proj.SetMasterGain(h.proj.MasterGain() + masterGainStep)
	case ActionMasterGainDown:
		err = h.proj.SetMasterGain(h.proj.MasterGain() - masterGainStep)
	case ActionLayerMute:
		err = h.toggleLayer(t.Index, func(l LayerInfo) error { return h.SetLayerMute(t.Index, !l.Mute) })
	case ActionLayerSolo:
		err = h.toggleLayer(t.Index, func(l LayerInfo) error { return h.SetLayerSolo(t.Index, !l.Solo) })
	case ActionTranspose:
		if t.Amount == 0 {
			h.e.SetGlobalTranspose(0)
		} else {
			h.e.SetGlobalTranspose(h.e.GlobalTranspose() + t.Amount)
		}
	}
	h.warn(ev, t.Action, err)
	return t.Action
}

func (h *Host) toggleLayer(i int, set func(LayerInfo) error) error {
	layers := h.Layers()
	if i < 0 || i >= len(layers) {
		return fmt.Errorf("%w: %d", ErrNoSuchLayer, i)
	}
	return set(layers[i])
}

func (h *Host) warn(ev midi.Event, a Action, err error) {
	if err != nil {
		h.log.Warn("trigger", zap.Stringer("event", ev), zap.String("action", string(a)), zap.Error(err))
	}
}
