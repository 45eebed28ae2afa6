package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"patchhost/config"
	"patchhost/debug"
	"patchhost/engine"
	"patchhost/patch"
	"patchhost/synth"
	"patchhost/theme"
	"patchhost/tui"
)

func main() {
	configPath := flag.String("config", "", "config file (default ~/.config/patchhost/config.json)")
	backendName := flag.String("backend", "", "audio backend: jack, portaudio or dummy")
	patchName := flag.String("patch", "", "patch to load at startup")
	addSoundfont := flag.String("add-soundfont", "", "add a soundfont to the config and exit")
	listPrograms := flag.Bool("programs", false, "list the programs of every configured soundfont and exit")
	flag.Parse()

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if *backendName != "" {
		cfg.Audio.Backend = config.Backend(*backendName)
		if err := cfg.Validate(); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	}

	switch {
	case *addSoundfont != "":
		err = saveSoundfont(cfg, path, *addSoundfont)
	case *listPrograms:
		err = printPrograms(cfg)
	default:
		err = run(cfg, path, *patchName)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		p, err := config.Path()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	cfg, err := config.LoadFrom(path)
	return cfg, path, err
}

func saveSoundfont(cfg *config.Config, path, sf string) error {
	abs, err := filepath.Abs(sf)
	if err != nil {
		return err
	}
	if _, err := synth.NewLoader(cfg.Audio.SampleRate).Programs(abs); err != nil {
		return err
	}
	cfg.AddSoundfont(abs)
	if err := cfg.SaveTo(path); err != nil {
		return err
	}
	fmt.Printf("Added %s to %s\n", abs, path)
	return nil
}

func printPrograms(cfg *config.Config) error {
	loader := synth.NewLoader(cfg.Audio.SampleRate)
	var err error
	for _, sf := range cfg.Soundfonts {
		programs, perr := loader.Programs(sf)
		if perr != nil {
			multierr.AppendInto(&err, perr)
			continue
		}
		fmt.Println(sf)
		for _, p := range programs {
			fmt.Printf("  %3d:%-3d %s\n", p.Bank, p.Number, p.Name)
		}
	}
	return err
}

func run(cfg *config.Config, path, patchName string) error {
	if cfg.Debug {
		if err := debug.Enable(filepath.Join(filepath.Dir(path), "debug.log"), cfg.Level()); err != nil {
			return err
		}
		defer debug.Disable()
	}
	log := debug.L()

	b, err := openBackend(cfg, debug.Named("transport"))
	if err != nil {
		return err
	}

	e := engine.New(b.driver, append(cfg.EngineOptions(), engine.WithLogger(debug.Named("engine")))...)
	if b.bind != nil {
		b.bind(e)
	}
	if err := e.Start(); err != nil {
		return multierr.Append(err, e.Close())
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Warn("engine close", zap.Error(err))
		}
	}()

	// Restore what we can; anything missing shows up as a message.
	proj, err := patch.NewProject(e, cfg.Project, debug.Named("project"))
	if err != nil {
		log.Warn("project restored with errors", zap.Error(err))
	}
	for _, c := range cfg.Connections {
		if err := e.AddExternalConnection(c.Src, c.Dst); err != nil {
			log.Warn("external connection", zap.String("src", c.Src), zap.String("dst", c.Dst), zap.Error(err))
		}
	}

	loader := synth.NewLoader(e.SampleRate(),
		synth.WithLogger(debug.Named("synth")),
		synth.WithPolyphony(cfg.Engine.Polyphony))
	host := patch.NewHost(e, proj, patch.FromLoader(loader), debug.Named("host"))
	host.SetPatches(cfg.Patches)
	host.SetProgramChangeSwitchesPatches(cfg.ProgramChangeSwitchesPatches)
	if err := host.SetTriggers(cfg.Triggers); err != nil {
		return err
	}

	i, err := startupPatch(cfg, patchName)
	if err != nil {
		return err
	}
	if i >= 0 {
		if err := host.SelectPatch(i); err != nil {
			log.Warn("patch loaded with errors", zap.String("patch", cfg.Patches[i].Name), zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notices := make(chan string, 16)
	if b.watch != nil {
		go b.watch(ctx, proj, notices)
	}
	go watchXruns(ctx, e)

	fmt.Printf("patchhost on %s (%d Hz, %d frames)\n", cfg.Audio.Backend, e.SampleRate(), e.BufferSize())

	m := tui.NewModel(e, host, loadTheme(cfg, log))
	m.Notices = notices
	prog := tea.NewProgram(m, tea.WithAltScreen())
	_, err = prog.Run()

	if uerr := host.UnloadPatch(); uerr != nil {
		log.Warn("unload patch", zap.Error(uerr))
	}
	return err
}

// loadTheme falls back to the built-in palette when the configured one
// cannot be read.
func loadTheme(cfg *config.Config, log *zap.Logger) *theme.Theme {
	if cfg.Palette == "" {
		return theme.New(nil)
	}
	p, err := theme.LoadGPL(cfg.Palette)
	if err != nil {
		log.Warn("palette", zap.String("path", cfg.Palette), zap.Error(err))
		return theme.New(nil)
	}
	return theme.New(p)
}

// startupPatch returns the index of the patch to load first, -1 for none
func startupPatch(cfg *config.Config, name string) (int, error) {
	if name == "" {
		if len(cfg.Patches) == 0 {
			return -1, nil
		}
		return 0, nil
	}
	i := cfg.PatchIndex(name)
	if i < 0 {
		return -1, fmt.Errorf("no patch named %q", name)
	}
	return i, nil
}

// xrunLogEvery thins out the log when the transport keeps overrunning
const xrunLogEvery = 10

var xrunInterval = time.Second

// watchXruns logs, once an interval at most, how many xruns the transport
// reported since the last check.
func watchXruns(ctx context.Context, e *engine.Engine) {
	t := time.NewTicker(xrunInterval)
	defer t.Stop()
	last := e.Stats().Xruns
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		n := e.Stats().Xruns
		if n == last {
			continue
		}
		debug.LogEvery(xrunLogEvery, "xrun", "%d xruns", n-last)
		last = n
	}
}

var errNoBackend = errors.New("backend not built in (jack needs -tags jack)")
