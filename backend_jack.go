//go:build jack

package main

import (
	"go.uber.org/zap"

	"patchhost/config"
	"patchhost/engine"
	"patchhost/transport/jackdrv"
)

func init() {
	openers[config.BackendJack] = openJack
}

func openJack(cfg *config.Config, log *zap.Logger) (*backend, error) {
	d, err := jackdrv.Open(cfg.Audio.ClientName, log)
	if err != nil {
		return nil, err
	}
	return &backend{
		driver: d,
		bind: func(e *engine.Engine) {
			d.OnXrun(e.ReportXrun)
		},
	}, nil
}
