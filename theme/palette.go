package theme

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var ErrNotGPL = errors.New("not a GIMP palette")

type RGB [3]uint8

// Palette is an ordered colour ramp. Entries may carry a name; a name
// matching a colour role overrides that role's ramp position.
type Palette struct {
	Name   string
	Colors []RGB
	names  map[string]int
}

// LoadGPL reads a GIMP .gpl palette file
func LoadGPL(path string) (*Palette, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p, err := ParseGPL(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseGPL parses palette text. Every entry needs three channel values in
// 0-255 followed by an optional name.
func ParseGPL(r io.Reader) (*Palette, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "GIMP Palette" {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotGPL
	}

	p := &Palette{names: make(map[string]int)}
	for n := 2; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || line[0] == '#':
			continue
		case strings.HasPrefix(line, "Name:"):
			p.Name = strings.TrimSpace(strings.TrimPrefix(line, "Name:"))
			continue
		case strings.HasPrefix(line, "Columns:"):
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: want R G B, got %q", n, line)
		}
		var c RGB
		for k := range c {
			v, err := strconv.Atoi(fields[k])
			if err != nil || v < 0 || v > 255 {
				return nil, fmt.Errorf("line %d: channel %q out of 0-255", n, fields[k])
			}
			c[k] = uint8(v)
		}
		if len(fields) > 3 {
			p.names[strings.ToLower(strings.Join(fields[3:], " "))] = len(p.Colors)
		}
		p.Colors = append(p.Colors, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(p.Colors) == 0 {
		return nil, errors.New("no colors in palette")
	}
	return p, nil
}

// Plasma is the built-in palette, dark purple through yellow
func Plasma() *Palette {
	return &Palette{
		Name: "plasma",
		Colors: []RGB{
			{13, 8, 135}, {84, 2, 163}, {139, 10, 165}, {185, 50, 137},
			{219, 92, 104}, {244, 136, 73}, {254, 188, 43}, {240, 249, 33},
		},
	}
}

// Lookup returns interpolated color for normalized value 0-1
func (p *Palette) Lookup(norm float64) RGB {
	if norm <= 0 {
		return p.Colors[0]
	}
	if norm >= 1 {
		return p.Colors[len(p.Colors)-1]
	}

	pos := norm * float64(len(p.Colors)-1)
	i := int(pos)
	frac := pos - float64(i)
	c0, c1 := p.Colors[i], p.Colors[i+1]
	return RGB{
		lerp(c0[0], c1[0], frac),
		lerp(c0[1], c1[1], frac),
		lerp(c0[2], c1[2], frac),
	}
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(float64(a)*(1-t) + float64(b)*t)
}

// Named returns the entry with the given name, ignoring case
func (p *Palette) Named(name string) (RGB, bool) {
	i, ok := p.names[strings.ToLower(name)]
	if !ok {
		return RGB{}, false
	}
	return p.Colors[i], true
}

// Role returns the named entry for a role, or the ramp colour at pos
func (p *Palette) Role(name string, pos float64) RGB {
	if c, ok := p.Named(name); ok {
		return c
	}
	return p.Lookup(pos)
}
