package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"patchhost/engine"
	"patchhost/patch"
	"patchhost/theme"
)

const (
	refreshRate  = 50 * time.Millisecond
	meterWidth   = 16
	activityRows = 8
	messageRows  = 4
)

// Model is a live console for the engine: ports with meters, the layers of
// the loaded patch, recent MIDI activity and messages.
type Model struct {
	Engine *engine.Engine
	Host   *patch.Host
	Theme  *theme.Theme
	Title  string

	// Notices carries extra status lines such as device hot-plug
	Notices <-chan string

	levels   map[engine.AudioPortID]float32
	activity []string
	messages []string
	quitting bool
}

type TickMsg time.Time

type RxMsg struct{}

type MessageMsg string

type NoticeMsg string

// NewModel steps through the host's patch list
func NewModel(e *engine.Engine, host *patch.Host, th *theme.Theme) Model {
	return Model{
		Engine: e,
		Host:   host,
		Theme:  th,
		Title:  "patchhost",
		levels: make(map[engine.AudioPortID]float32),
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshRate, func(t time.Time) tea.Msg { return TickMsg(t) })
}

func ListenForRx(e *engine.Engine) tea.Cmd {
	return func() tea.Msg {
		<-e.Notify()
		return RxMsg{}
	}
}

func ListenForMessages(e *engine.Engine) tea.Cmd {
	return func() tea.Msg {
		return MessageMsg(<-e.Messages())
	}
}

func ListenForNotices(ch <-chan string) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return NoticeMsg(msg)
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(),
		ListenForRx(m.Engine),
		ListenForMessages(m.Engine),
		ListenForNotices(m.Notices),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg.String())

	case TickMsg:
		for id, lvl := range m.Engine.AudioActivity() {
			m.levels[id] = max(lvl, m.levels[id]*0.7)
		}
		return m, tick()

	case RxMsg:
		for _, a := range m.Host.ReconcileRx() {
			m.activity = appendCapped(m.activity, formatActivity(a), activityRows)
		}
		return m, ListenForRx(m.Engine)

	case MessageMsg:
		m.messages = appendCapped(m.messages, string(msg), messageRows)
		return m, ListenForMessages(m.Engine)

	case NoticeMsg:
		m.messages = appendCapped(m.messages, string(msg), messageRows)
		return m, ListenForNotices(m.Notices)
	}
	return m, nil
}

func (m Model) handleKey(key string) (tea.Model, tea.Cmd) {
	var err error
	switch key {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "p":
		m.Engine.Panic(!m.Engine.Panicking())

	case " ", "space":
		m.Engine.PauseProcessing(!m.Engine.Paused())

	case "+", "=":
		m.Engine.SetGlobalTranspose(m.Engine.GlobalTranspose() + 1)

	case "-", "_":
		m.Engine.SetGlobalTranspose(m.Engine.GlobalTranspose() - 1)

	case "0":
		m.Engine.SetGlobalTranspose(0)

	case "n":
		err = m.Host.StepPatch(1)

	case "N":
		err = m.Host.StepPatch(-1)

	case "r":
		err = m.Host.Rebuild()

	case "1", "2", "3", "4", "5", "6", "7", "8":
		i := int(key[0] - '1')
		if l, ok := m.layer(i); ok {
			err = m.Host.SetLayerMute(i, !l.Mute)
		}

	case "!", "@", "#", "$", "%", "^", "&", "*":
		i := strings.Index("!@#$%^&*", key)
		if l, ok := m.layer(i); ok {
			err = m.Host.SetLayerSolo(i, !l.Solo)
		}
	}
	if err != nil {
		m.messages = appendCapped(m.messages, err.Error(), messageRows)
	}
	return m, nil
}

func (m Model) layer(i int) (patch.LayerInfo, bool) {
	layers := m.Host.Layers()
	if i < 0 || i >= len(layers) {
		return patch.LayerInfo{}, false
	}
	return layers[i], true
}

func appendCapped(lines []string, line string, n int) []string {
	lines = append(lines, line)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func formatActivity(a patch.Activity) string {
	where := fmt.Sprintf("in %d", a.MidiIn)
	if a.Layer >= 0 {
		where = fmt.Sprintf("layer %d", a.Layer+1)
	}
	if a.Trigger != "" {
		return fmt.Sprintf("%-8s %s -> %s", where, a.Event, a.Trigger)
	}
	return fmt.Sprintf("%-8s %s", where, a.Event)
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	headerStyle := lipgloss.NewStyle().Foreground(m.Theme.Accent()).Bold(true)
	dimStyle := lipgloss.NewStyle().Foreground(m.Theme.Muted())
	warnStyle := lipgloss.NewStyle().Foreground(m.Theme.Warning())
	fgStyle := lipgloss.NewStyle().Foreground(m.Theme.FG())

	var out strings.Builder
	out.WriteString("\n")
	out.WriteString(headerStyle.Render(m.header()))
	out.WriteString(warnStyle.Render(m.flags()))
	out.WriteString("\n\n")

	out.WriteString(dimStyle.Render("LAYERS"))
	out.WriteString("\n")
	out.WriteString(m.layersView(fgStyle, warnStyle, dimStyle))
	out.WriteString("\n")

	out.WriteString(dimStyle.Render("AUDIO"))
	out.WriteString("\n")
	for _, p := range m.Engine.AudioPorts() {
		if p.Plugin.Valid() {
			continue
		}
		fmt.Fprintf(&out, "  %-14s %s %s\n", p.Name, m.Theme.Meter(m.levels[p.ID], meterWidth), dimStyle.Render(strings.Join(p.Clients, " ")))
	}
	out.WriteString("\n")

	out.WriteString(dimStyle.Render("MIDI"))
	out.WriteString("\n")
	for _, p := range m.Engine.MidiPorts() {
		fmt.Fprintf(&out, "  %-14s %-3s notes:%-3d %s\n", p.Name, p.Direction, p.NoteOns, dimStyle.Render(strings.Join(p.Clients, " ")))
	}
	out.WriteString("\n")

	for _, line := range m.activity {
		out.WriteString(fgStyle.Render("  " + line))
		out.WriteString("\n")
	}
	for _, line := range m.messages {
		out.WriteString(warnStyle.Render("  " + line))
		out.WriteString("\n")
	}

	out.WriteString("\n")
	out.WriteString(dimStyle.Render("1-8:mute  shift+1-8:solo  n/N:patch  p:panic  +/-/0:transpose  space:pause  r:rebuild  q:quit"))
	return out.String()
}

func (m Model) header() string {
	name := "no patch"
	if p, ok := m.Host.Patch(); ok {
		name = p.Name
	}
	if list, cur := m.Host.Patches(); cur >= 0 {
		name = fmt.Sprintf("%d/%d %s", cur+1, len(list), name)
	}
	st := m.Engine.Stats()
	return fmt.Sprintf("%s  %dHz/%d  %s  master:%.2f  transpose:%+d  xruns:%d  misses:%d  drops:%d",
		m.Title, m.Engine.SampleRate(), m.Engine.BufferSize(), name, m.Host.Project().MasterGain(),
		m.Engine.GlobalTranspose(), st.Xruns, st.GuardMisses, st.SynthDrops)
}

func (m Model) flags() string {
	var f []string
	if m.Engine.Panicking() {
		f = append(f, "PANIC")
	}
	if m.Engine.Paused() {
		f = append(f, "PAUSED")
	}
	if len(f) == 0 {
		return ""
	}
	return "  " + strings.Join(f, " ")
}

func (m Model) layersView(fg, warn, dim lipgloss.Style) string {
	layers := m.Host.Layers()
	if len(layers) == 0 {
		return dim.Render("  none") + "\n"
	}
	sym := m.Theme.Symbols
	var out strings.Builder
	for _, l := range layers {
		state := sym.Idle
		if l.Active {
			state = sym.Active
		}
		ms := []rune{' ', ' '}
		if l.Mute {
			ms[0] = sym.Muted
		}
		if l.Solo {
			ms[1] = sym.Solo
		}
		line := fmt.Sprintf("  %d %c %s %-10s %s gain:%.2f", l.Index+1, state, string(ms), l.Kind, layerTarget(l), l.Gain)
		if l.Err != nil {
			out.WriteString(warn.Render(fmt.Sprintf("%s %c %v", line, sym.Failed, l.Err)))
		} else {
			out.WriteString(fg.Render(line))
		}
		out.WriteString("\n")
	}
	return out.String()
}

func layerTarget(l patch.LayerInfo) string {
	switch l.Kind {
	case patch.SoundfontLayer:
		return l.Program.String()
	default:
		return fmt.Sprintf("port %d", l.Port)
	}
}
