package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"patchhost/config"
	"patchhost/debug"
	"patchhost/engine"
	"patchhost/patch"
	"patchhost/transport"
	"patchhost/transport/memdrv"
	"patchhost/transport/padrv"
)

// backend is an opened driver plus the hooks that tie it to the engine
type backend struct {
	driver transport.Driver
	// bind runs before the engine starts
	bind func(e *engine.Engine)
	// watch runs for the life of the program once the project exists
	watch func(ctx context.Context, proj *patch.Project, notices chan<- string)
}

type opener func(cfg *config.Config, log *zap.Logger) (*backend, error)

// openers holds every backend compiled in; jack registers itself under the
// jack build tag.
var openers = map[config.Backend]opener{
	config.BackendPortAudio: openPortAudio,
	config.BackendDummy:     openDummy,
}

func openBackend(cfg *config.Config, log *zap.Logger) (*backend, error) {
	open, ok := openers[cfg.Audio.Backend]
	if !ok {
		return nil, fmt.Errorf("%s: %w", cfg.Audio.Backend, errNoBackend)
	}
	return open(cfg, log)
}

func openPortAudio(cfg *config.Config, log *zap.Logger) (*backend, error) {
	d, err := padrv.Open(padrv.Config{
		ClientName:     cfg.Audio.ClientName,
		SampleRate:     cfg.Audio.SampleRate,
		BlockSize:      cfg.Audio.BlockSize,
		InputChannels:  cfg.Audio.InputChannels,
		OutputChannels: cfg.Audio.OutputChannels,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	return &backend{
		driver: d,
		bind: func(e *engine.Engine) {
			d.OnXrun(e.ReportXrun)
		},
		watch: func(ctx context.Context, proj *patch.Project, notices chan<- string) {
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-d.Events():
					debug.Log("hotplug", "MIDI device %s: %s", ev.Type, ev.Name)
					notify(notices, fmt.Sprintf("MIDI device %s: %s", ev.Type, ev.Name))
					if ev.Type != padrv.DeviceConnected {
						continue
					}
					if err := proj.ReconcileClients(); err != nil {
						log.Debug("reconcile clients", zap.Error(err))
					}
				}
			}
		},
	}, nil
}

// openDummy runs the engine on a free-running in-memory clock with no
// hardware attached.
func openDummy(cfg *config.Config, log *zap.Logger) (*backend, error) {
	d := memdrv.New(cfg.Audio.ClientName, cfg.Audio.SampleRate, cfg.Audio.BlockSize)
	log.Info("dummy backend", zap.Int("sample_rate", cfg.Audio.SampleRate), zap.Int("block", cfg.Audio.BlockSize))
	return &backend{
		driver: d,
		watch: func(ctx context.Context, _ *patch.Project, _ chan<- string) {
			d.Run(ctx)
		},
	}, nil
}

func notify(notices chan<- string, msg string) {
	select {
	case notices <- msg:
	default:
	}
}
