package theme

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

type Theme struct {
	Palette *Palette
	Symbols Symbols
}

type Symbols struct {
	Active rune // ● route or layer playing
	Idle   rune // · inactive
	Muted  rune // M
	Solo   rune // S
	Failed rune // ! layer in error

	MeterFull  rune // █
	MeterEmpty rune // ░
}

func New(palette *Palette) *Theme {
	if palette == nil {
		palette = Plasma()
	}
	return &Theme{
		Palette: palette,
		Symbols: Symbols{
			Active: '●',
			Idle:   '·',
			Muted:  'M',
			Solo:   'S',
			Failed: '!',

			MeterFull:  '█',
			MeterEmpty: '░',
		},
	}
}

// Color roles mapped to palette positions (0-1). A palette entry named
// after the role, such as "warning", takes precedence.
const (
	RoleBG      = 0.0
	RoleSurface = 0.1
	RoleMuted   = 0.2
	RoleFG      = 0.4
	RoleAccent  = 0.5
	RoleActive  = 0.7
	RoleWarning = 0.8
	RoleSuccess = 1.0
)

func (t *Theme) role(name string, pos float64) lipgloss.Color {
	return rgbToLipgloss(t.Palette.Role(name, pos))
}

func (t *Theme) BG() lipgloss.Color      { return t.role("background", RoleBG) }
func (t *Theme) FG() lipgloss.Color      { return t.role("foreground", RoleFG) }
func (t *Theme) Accent() lipgloss.Color  { return t.role("accent", RoleAccent) }
func (t *Theme) Muted() lipgloss.Color   { return t.role("muted", RoleMuted) }
func (t *Theme) Active() lipgloss.Color  { return t.role("active", RoleActive) }
func (t *Theme) Warning() lipgloss.Color { return t.role("warning", RoleWarning) }
func (t *Theme) Success() lipgloss.Color { return t.role("success", RoleSuccess) }

// Color returns lipgloss color for any normalized value 0-1
func (t *Theme) Color(norm float64) lipgloss.Color {
	return rgbToLipgloss(t.Palette.Lookup(norm))
}

// MeterCells returns how many of width cells a peak level fills. Levels
// at or above 1 fill the meter.
func MeterCells(level float32, width int) int {
	switch {
	case level <= 0:
		return 0
	case level >= 1:
		return width
	}
	n := int(level*float32(width) + 0.5)
	if n == 0 {
		n = 1
	}
	return n
}

// Meter renders a peak level as a bar coloured along the palette
func (t *Theme) Meter(level float32, width int) string {
	n := MeterCells(level, width)
	var b strings.Builder
	for i := 0; i < width; i++ {
		if i >= n {
			b.WriteString(lipgloss.NewStyle().Foreground(t.Muted()).Render(string(t.Symbols.MeterEmpty)))
			continue
		}
		c := t.Color(RoleMuted + (1-RoleMuted)*float64(i+1)/float64(width))
		if level >= 1 {
			c = t.Warning()
		}
		b.WriteString(lipgloss.NewStyle().Foreground(c).Render(string(t.Symbols.MeterFull)))
	}
	return b.String()
}

func rgbToLipgloss(c RGB) lipgloss.Color {
	return lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2]))
}
