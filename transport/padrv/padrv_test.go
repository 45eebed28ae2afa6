package padrv

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/gordonklaus/portaudio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchhost/transport"
)

// fakeDevices stands in for the MIDI system
type fakeDevices struct {
	mu        sync.Mutex
	ins, outs []string
	listeners map[string]func([]byte)
	sent      map[string][][]byte
}

func newFakeDevices(d *Driver) *fakeDevices {
	f := &fakeDevices{
		listeners: make(map[string]func([]byte)),
		sent:      make(map[string][][]byte),
	}
	d.list = func() ([]string, []string, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return slices.Clone(f.ins), slices.Clone(f.outs), nil
	}
	d.openIn = func(name string, fn func([]byte)) (func(), error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !slices.Contains(f.ins, name) {
			return nil, errors.New("no such device")
		}
		f.listeners[name] = fn
		return func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.listeners, name)
		}, nil
	}
	d.openOut = func(name string) (func([]byte) error, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !slices.Contains(f.outs, name) {
			return nil, errors.New("no such device")
		}
		return func(msg []byte) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.sent[name] = append(f.sent[name], slices.Clone(msg))
			return nil
		}, nil
	}
	return f
}

func (f *fakeDevices) play(name string, msg ...byte) bool {
	f.mu.Lock()
	fn := f.listeners[name]
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(msg)
	return true
}

func (f *fakeDevices) unplug(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ins = slices.DeleteFunc(f.ins, func(n string) bool { return n == name })
}

func (f *fakeDevices) plug(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ins = append(f.ins, name)
}

func testDriver(t *testing.T) (*Driver, *fakeDevices) {
	t.Helper()
	d := newDriver(Config{ClientName: "patchhost", SampleRate: 48000, BlockSize: 4, InputChannels: 2, OutputChannels: 2})
	return d, newFakeDevices(d)
}

func TestAudioFollowsChannelConnections(t *testing.T) {
	d, _ := testDriver(t)
	in, err := d.RegisterPort("in", transport.Audio, transport.Input)
	require.NoError(t, err)
	out, err := d.RegisterPort("out", transport.Audio, transport.Output)
	require.NoError(t, err)
	require.NoError(t, d.Connect(in, "system:capture_2"))
	require.NoError(t, d.Connect(out, "system:playback_1"))
	assert.ErrorIs(t, d.Connect(out, "system:playback_3"), transport.ErrUnknownEndpoint)
	assert.ErrorIs(t, d.Connect(in, "system:playback_1"), transport.ErrUnknownEndpoint)

	d.process = func(nframes int) {
		src := in.AudioBuffer(nframes)
		dst := out.AudioBuffer(nframes)
		for k := range dst {
			dst[k] = src[k] * 2
		}
	}
	capture := [][]float32{{9, 9, 9, 9}, {1, 2, 3, 4}}
	playback := [][]float32{make([]float32, 4), {7, 7, 7, 7}}
	d.callback(capture, playback, portaudio.StreamCallbackTimeInfo{}, 0)

	assert.Equal(t, []float32{2, 4, 6, 8}, playback[0])
	assert.Equal(t, []float32{0, 0, 0, 0}, playback[1], "unconnected channels are silent")

	require.NoError(t, d.Disconnect(in, "system:capture_2"))
	d.callback(capture, playback, portaudio.StreamCallbackTimeInfo{}, 0)
	assert.Equal(t, []float32{0, 0, 0, 0}, playback[0])
}

func TestXrunFlagsAreReported(t *testing.T) {
	d, _ := testDriver(t)
	var xruns int
	d.OnXrun(func() { xruns++ })
	d.process = func(int) {}

	out := [][]float32{make([]float32, 4)}
	d.callback(nil, out, portaudio.StreamCallbackTimeInfo{}, portaudio.OutputUnderflow)
	d.callback(nil, out, portaudio.StreamCallbackTimeInfo{}, 0)
	assert.Equal(t, 1, xruns)
}

func TestMidiInputAndOutput(t *testing.T) {
	d, f := testDriver(t)
	f.ins = []string{"keys"}
	f.outs = []string{"module"}

	in, _ := d.RegisterPort("in", transport.MIDI, transport.Input)
	out, _ := d.RegisterPort("out", transport.MIDI, transport.Output)
	require.NoError(t, d.Connect(in, "keys"))
	require.NoError(t, d.Connect(in, "keys"))
	require.NoError(t, d.Connect(out, "module"))
	assert.ErrorIs(t, d.Connect(in, "ghost"), transport.ErrUnknownEndpoint)
	assert.Equal(t, []string{"keys"}, d.Endpoints(transport.MIDI, transport.Input))
	assert.Equal(t, []string{"system:playback_1", "system:playback_2"}, d.Endpoints(transport.Audio, transport.Output))

	require.True(t, f.play("keys", 0x90, 60, 100))
	var got [][]byte
	in.ReadMIDI(4, func(msg []byte) { got = append(got, slices.Clone(msg)) })
	assert.Equal(t, [][]byte{{0x90, 60, 100}}, got)

	require.NoError(t, out.WriteMIDI([]byte{0x80, 60, 0}))
	assert.ErrorIs(t, out.WriteMIDI(make([]byte, maxPacket+1)), transport.ErrBufferFull)
	assert.ErrorIs(t, in.WriteMIDI([]byte{0x80, 60, 0}), transport.ErrWrongKind)
	d.flush()
	assert.Equal(t, [][]byte{{0x80, 60, 0}}, f.sent["module"])

	assert.ErrorIs(t, d.ConnectEndpoints("keys", "module"), transport.ErrUnsupported)
}

func TestUnpluggedDeviceIsReconnected(t *testing.T) {
	d, f := testDriver(t)
	f.ins = []string{"keys"}
	in, _ := d.RegisterPort("in", transport.MIDI, transport.Input)
	require.NoError(t, d.Connect(in, "keys"))
	d.scan()

	f.unplug("keys")
	d.scan()
	assert.False(t, f.play("keys", 0x90, 60, 100), "listener stopped")
	assert.Equal(t, DeviceConnected, (<-d.Events()).Type)
	assert.Equal(t, DeviceEvent{Type: DeviceDisconnected, Name: "keys", Dir: transport.Input}, <-d.Events())

	f.plug("keys")
	d.scan()
	assert.Equal(t, DeviceConnected, (<-d.Events()).Type)
	require.True(t, f.play("keys", 0xB0, 64, 127))

	var got [][]byte
	in.ReadMIDI(4, func(msg []byte) { got = append(got, slices.Clone(msg)) })
	assert.Equal(t, [][]byte{{0xB0, 64, 127}}, got)
}

func TestUnregisterStopsListening(t *testing.T) {
	d, f := testDriver(t)
	f.ins = []string{"keys"}
	in, _ := d.RegisterPort("in", transport.MIDI, transport.Input)
	require.NoError(t, d.Connect(in, "keys"))

	require.NoError(t, d.UnregisterPort(in))
	assert.False(t, f.play("keys", 0x90, 60, 100))
	assert.ErrorIs(t, d.UnregisterPort(in), transport.ErrUnknownPort)
	_, err := d.RegisterPort("in", transport.MIDI, transport.Input)
	assert.NoError(t, err)
}
