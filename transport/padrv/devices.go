package padrv

import (
	"context"
	"errors"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // registers the rtmidi driver
	"go.uber.org/zap"

	"patchhost/transport"
)

// listTimeout bounds a device listing; some MIDI services hang
const listTimeout = 3 * time.Second

var errListTimeout = errors.New("midi device listing timed out")

// DeviceEvent is emitted when a MIDI device appears or disappears
type DeviceEvent struct {
	Type DeviceEventType
	Name string
	// Dir is the direction of engine ports that connect to the device
	Dir transport.Direction
}

type DeviceEventType int

const (
	DeviceConnected DeviceEventType = iota
	DeviceDisconnected
)

func (t DeviceEventType) String() string {
	if t == DeviceDisconnected {
		return "disconnected"
	}
	return "connected"
}

func listDevices() (ins, outs []string, err error) {
	type result struct {
		ins  drivers.Ins
		outs drivers.Outs
	}
	ch := make(chan result, 1)
	go func() {
		ch <- result{ins: gomidi.GetInPorts(), outs: gomidi.GetOutPorts()}
	}()

	select {
	case r := <-ch:
		for _, in := range r.ins {
			ins = append(ins, in.String())
		}
		for _, out := range r.outs {
			outs = append(outs, out.String())
		}
		return ins, outs, nil
	case <-time.After(listTimeout):
		return nil, nil, errListTimeout
	}
}

func listen(name string, fn func(msg []byte)) (func(), error) {
	in, err := gomidi.FindInPort(name)
	if err != nil {
		return nil, err
	}
	return gomidi.ListenTo(in, func(msg gomidi.Message, _ int32) {
		fn(msg)
	}, gomidi.UseSysEx())
}

func sender(name string) (func(msg []byte) error, error) {
	out, err := gomidi.FindOutPort(name)
	if err != nil {
		return nil, err
	}
	send, err := gomidi.SendTo(out)
	if err != nil {
		return nil, err
	}
	return func(msg []byte) error { return send(gomidi.Message(msg)) }, nil
}

// Events returns device connect/disconnect events. Events are dropped when
// nobody reads them.
func (d *Driver) Events() <-chan DeviceEvent {
	return d.events
}

// Watch polls for MIDI devices until ctx is done. Connections to a device
// that disappears are kept and reopened when it comes back.
func (d *Driver) Watch(ctx context.Context) {
	ticker := time.NewTicker(d.pollDur)
	defer ticker.Stop()

	d.scan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scan()
		}
	}
}

func (d *Driver) scan() {
	ins, outs, err := d.list()
	if err != nil {
		d.log.Warn("midi device scan skipped", zap.Error(err))
		return
	}

	now := make(map[string]transport.Direction, len(ins)+len(outs))
	for _, name := range ins {
		now[dirKey(name, transport.Input)] = transport.Input
	}
	for _, name := range outs {
		now[dirKey(name, transport.Output)] = transport.Output
	}

	d.devMu.Lock()
	defer d.devMu.Unlock()
	for key, dir := range now {
		if _, ok := d.seen[key]; !ok {
			name := key[1:]
			d.emit(DeviceEvent{Type: DeviceConnected, Name: name, Dir: dir})
			d.revive(name, dir)
		}
	}
	for key, dir := range d.seen {
		if _, ok := now[key]; !ok {
			name := key[1:]
			d.emit(DeviceEvent{Type: DeviceDisconnected, Name: name, Dir: dir})
			d.suspend(name, dir)
		}
	}
	d.seen = now
}

func dirKey(name string, dir transport.Direction) string {
	if dir == transport.Output {
		return ">" + name
	}
	return "<" + name
}

func (d *Driver) emit(ev DeviceEvent) {
	d.log.Info("midi device "+ev.Type.String(), zap.String("device", ev.Name), zap.Stringer("dir", ev.Dir))
	select {
	case d.events <- ev:
	default:
	}
}

// linksTo returns every closed-or-open MIDI link of ports facing dir that
// points at the named device.
func (d *Driver) linksTo(name string, dir transport.Direction) map[*Port]*link {
	found := make(map[*Port]*link)
	for _, p := range d.ports {
		if p.kind != transport.MIDI || p.dir != dir {
			continue
		}
		p.mu.Lock()
		for _, l := range p.links {
			if l.endpoint == name {
				found[p] = l
			}
		}
		p.mu.Unlock()
	}
	return found
}

func (d *Driver) revive(name string, dir transport.Direction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, l := range d.linksTo(name, dir) {
		if l.open() {
			continue
		}
		if err := d.openLink(p, l); err != nil {
			d.log.Warn("reconnect failed", zap.String("port", p.name), zap.String("device", name), zap.Error(err))
			continue
		}
		p.mu.Lock()
		p.publishInputs()
		p.mu.Unlock()
		d.log.Info("reconnected", zap.String("port", p.name), zap.String("device", name))
	}
}

func (d *Driver) suspend(name string, dir transport.Direction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, l := range d.linksTo(name, dir) {
		p.mu.Lock()
		l.close()
		p.publishInputs()
		p.mu.Unlock()
	}
}
