package engine

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"patchhost/transport"
)

// maxBlock bounds plugin render buffers when the driver reports no block size
const maxBlock = 4096

type plugin struct {
	name        string
	synth       Synth
	left, right AudioPortID
	bufL, bufR  []float32
}

// PluginInfo describes a hosted synth
type PluginInfo struct {
	ID          PluginID
	Name        string
	Left, Right AudioPortID
}

// AddPlugin hosts s. Its rendered audio appears on two internal audio ports,
// returned by PluginPorts, that can be used as audio route sources. MIDI
// reaches it through routes with a ToPlugin destination.
func (e *Engine) AddPlugin(name string, s Synth) (PluginID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return PluginID{}, ErrClosed
	}

	block := e.driver.BufferSize()
	if block <= 0 {
		block = maxBlock
	}
	pl := &plugin{
		name:  name,
		synth: s,
		bufL:  make([]float32, block),
		bufR:  make([]float32, block),
	}
	left := &audioPort{name: name + ":out_l", dir: transport.Input, buf: pl.bufL, gain: 1}
	right := &audioPort{name: name + ":out_r", dir: transport.Input, buf: pl.bufR, gain: 1}

	e.guards.lockAll()
	id := PluginID{e.plugins.insert(pl)}
	left.plugin, right.plugin = id, id
	pl.left = AudioPortID{e.audioPorts.insert(left)}
	pl.right = AudioPortID{e.audioPorts.insert(right)}
	e.guards.unlockAll()

	e.log.Debug("plugin added", zap.String("name", name), zap.Stringer("id", id))
	return id, nil
}

// PluginPorts returns the plugin's left and right output ports
func (e *Engine) PluginPorts(id PluginID) (left, right AudioPortID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pl := e.plugins.get(id.h)
	if pl == nil {
		return AudioPortID{}, AudioPortID{}, ErrStaleHandle
	}
	return pl.left, pl.right, nil
}

// Plugins returns a snapshot of every hosted synth
func (e *Engine) Plugins() []PluginInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]PluginInfo, 0, e.plugins.len())
	for i := range e.plugins.slots {
		pl := e.plugins.slots[i].val
		if pl == nil {
			continue
		}
		infos = append(infos, PluginInfo{
			ID:    PluginID{e.plugins.handleAt(i)},
			Name:  pl.name,
			Left:  pl.left,
			Right: pl.right,
		})
	}
	return infos
}

// RemovePlugin releases the plugin's notes, removes every route touching it
// and closes the synth once the callback can no longer reach it.
func (e *Engine) RemovePlugin(id PluginID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.guards.lockAll()
	pl := e.plugins.get(id.h)
	if pl == nil {
		e.guards.unlockAll()
		return ErrStaleHandle
	}
	for i := range e.midiRoutes.slots {
		r := e.midiRoutes.slots[i].val
		if r != nil && r.dst == ToPlugin(id) {
			rid := MidiRouteID{e.midiRoutes.handleAt(i)}
			e.releaseRoute(rid, r, false)
			e.midiRoutes.remove(rid.h)
		}
	}
	e.removeAudioRoutesOf(pl.left)
	e.removeAudioRoutesOf(pl.right)
	e.audioPorts.remove(pl.left.h)
	e.audioPorts.remove(pl.right.h)
	e.plugins.remove(id.h)
	e.guards.unlockAll()

	err := pl.synth.Close()
	if err != nil {
		e.log.Warn("plugin close failed", zap.String("name", pl.name), zap.Error(err))
	} else {
		e.log.Debug("plugin removed", zap.String("name", pl.name))
	}
	return err
}

// RemoveAllPlugins removes every plugin, continuing past failures
func (e *Engine) RemoveAllPlugins() error {
	var ids []PluginID
	for _, info := range e.Plugins() {
		ids = append(ids, info.ID)
	}
	var err error
	for _, id := range ids {
		multierr.AppendInto(&err, e.RemovePlugin(id))
	}
	return err
}
