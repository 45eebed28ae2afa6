package synth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/sinshu/go-meltysynth/meltysynth"
	"go.uber.org/zap"
)

var (
	ErrLoad          = errors.New("failed to load soundfont")
	ErrNoSuchProgram = errors.New("program not found in soundfont")
	ErrCreate        = errors.New("failed to create synthesizer")
)

// Program identifies a preset within a soundfont
type Program struct {
	Soundfont string `json:"soundfont"`
	Bank      int    `json:"bank"`
	Number    int    `json:"program"`
	Name      string `json:"name,omitempty"`
}

func (p Program) String() string {
	return fmt.Sprintf("%s [%d:%d] %s", filepath.Base(p.Soundfont), p.Bank, p.Number, p.Name)
}

// Loader creates instances. Parsed soundfonts are shared between instances
// since meltysynth never mutates them.
type Loader struct {
	sampleRate int
	polyphony  int
	reverb     bool
	log        *zap.Logger

	mu    sync.Mutex
	fonts map[string]*meltysynth.SoundFont
}

// Option configures a Loader
type Option func(*Loader)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(ld *Loader) {
		ld.log = l
	}
}

// WithPolyphony limits voices per instance
func WithPolyphony(voices int) Option {
	return func(ld *Loader) {
		ld.polyphony = voices
	}
}

// WithReverb enables meltysynth's reverb and chorus
func WithReverb(enabled bool) Option {
	return func(ld *Loader) {
		ld.reverb = enabled
	}
}

// NewLoader creates a loader rendering at sampleRate
func NewLoader(sampleRate int, opts ...Option) *Loader {
	l := &Loader{
		sampleRate: sampleRate,
		polyphony:  64,
		fonts:      make(map[string]*meltysynth.SoundFont),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	return l
}

// SampleRate returns the rate instances render at
func (l *Loader) SampleRate() int {
	return l.sampleRate
}

func (l *Loader) soundFont(path string) (*meltysynth.SoundFont, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrLoad, path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if sf, ok := l.fonts[abs]; ok {
		return sf, abs, nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrLoad, err)
	}
	defer f.Close()

	sf, err := meltysynth.NewSoundFont(f)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrLoad, abs, err)
	}
	l.fonts[abs] = sf
	l.log.Info("soundfont loaded",
		zap.String("path", abs),
		zap.Int("presets", len(sf.Presets)))
	return sf, abs, nil
}

// Programs lists the presets of a soundfont ordered by bank and number
func (l *Loader) Programs(path string) ([]Program, error) {
	sf, abs, err := l.soundFont(path)
	if err != nil {
		return nil, err
	}
	programs := make([]Program, 0, len(sf.Presets))
	for _, p := range sf.Presets {
		programs = append(programs, Program{
			Soundfont: abs,
			Bank:      int(p.BankNumber),
			Number:    int(p.PatchNumber),
			Name:      p.Name,
		})
	}
	slices.SortFunc(programs, func(a, b Program) int {
		if a.Bank != b.Bank {
			return a.Bank - b.Bank
		}
		return a.Number - b.Number
	})
	return programs, nil
}

// Create loads p into a new instance. On error nothing is kept.
func (l *Loader) Create(p Program) (*Instance, error) {
	sf, abs, err := l.soundFont(p.Soundfont)
	if err != nil {
		return nil, err
	}

	found := false
	for _, preset := range sf.Presets {
		if int(preset.BankNumber) == p.Bank && int(preset.PatchNumber) == p.Number {
			found = true
			if p.Name == "" {
				p.Name = preset.Name
			}
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: bank %d program %d in %s", ErrNoSuchProgram, p.Bank, p.Number, abs)
	}

	settings := meltysynth.NewSynthesizerSettings(int32(l.sampleRate))
	settings.MaximumPolyphony = int32(l.polyphony)
	settings.EnableReverbAndChorus = l.reverb

	s, err := meltysynth.NewSynthesizer(sf, settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreate, err)
	}
	s.ProcessMidiMessage(channel, 0xB0, 0x00, int32(p.Bank))
	s.ProcessMidiMessage(channel, 0xC0, int32(p.Number), 0)

	p.Soundfont = abs
	l.log.Debug("synth instance created", zap.Stringer("program", p))
	return newInstance(p, s), nil
}
