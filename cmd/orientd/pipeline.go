package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"orientlink/pkg/bridge/foxglove"
	"orientlink/pkg/config"
	"orientlink/pkg/engine"
	"orientlink/pkg/forward"
	"orientlink/pkg/logger"
	"orientlink/pkg/protocol"
	"orientlink/pkg/tui"
)

// pipeline fans listener readings out to the configured sinks. Sinks stop
// when the hub closes their subscription, after draining what they hold.
type pipeline struct {
	hub       *engine.Hub
	hubCancel context.CancelFunc
	sinks     sync.WaitGroup
	dashboard chan struct{}
	closers   []io.Closer
	log       zerolog.Logger
}

func startPipeline(ctx context.Context, cfg config.Config, base zerolog.Logger, withTUI bool, stdout io.Writer, stop context.CancelFunc) (*pipeline, error) {
	hubCtx, hubCancel := context.WithCancel(context.Background())
	p := &pipeline{
		hub:       engine.NewHub(),
		hubCancel: hubCancel,
		log:       logger.ForRole(base, "Main"),
	}
	go p.hub.Run(hubCtx)

	if cfg.Log.Record != "" {
		file, err := os.Create(cfg.Log.Record)
		if err != nil {
			p.close()
			return nil, fmt.Errorf("open record file: %w", err)
		}
		p.closers = append(p.closers, file)
		writer := logger.NewJSONLWriter(file, cfg.Sender.Precision)
		p.consume(func(in <-chan protocol.Reading) {
			writer.Consume(context.Background(), in)
		})
	}

	if cfg.Forward.Kind != "" {
		sink, err := forward.Open(forward.Target{
			Kind: cfg.Forward.Kind,
			Path: cfg.Forward.Path,
			Baud: cfg.Forward.Baud,
		})
		if err != nil {
			p.close()
			return nil, err
		}
		p.closers = append(p.closers, sink)
		fwd := forward.NewForwarder(sink, logger.ForRole(base, "Forward"))
		p.consume(func(in <-chan protocol.Reading) {
			fwd.Consume(context.Background(), in)
		})
	}

	if cfg.Bridge.Enabled {
		srv := foxglove.NewServer(foxglove.Config{
			WSAddr:        cfg.Bridge.WSAddr,
			Name:          cfg.Bridge.Name,
			FrameID:       cfg.Bridge.Frame,
			ParentFrameID: cfg.Bridge.Parent,
			Precision:     cfg.Sender.Precision,
		}, p.hub, logger.ForRole(base, "Bridge"))
		p.sinks.Add(1)
		go func() {
			defer p.sinks.Done()
			if err := srv.Run(hubCtx); err != nil {
				p.log.Error().Err(err).Msg("Foxglove bridge stopped")
			}
		}()
	}

	if withTUI {
		sub := p.hub.Subscribe()
		p.dashboard = make(chan struct{})
		go func() {
			defer close(p.dashboard)
			model := tui.NewModel(cfg.Stream.Addr, cfg.Sender.Precision)
			if err := tui.Run(ctx, model, sub, os.Stdin, stdout); err != nil {
				p.log.Error().Err(err).Msg("Dashboard stopped")
			}
			// quitting the dashboard ends the whole process
			stop()
		}()
	}

	return p, nil
}

func (p *pipeline) consume(fn func(in <-chan protocol.Reading)) {
	sub := p.hub.Subscribe()
	p.sinks.Add(1)
	go func() {
		defer p.sinks.Done()
		fn(sub)
	}()
}

func (p *pipeline) pump(ctx context.Context, in <-chan protocol.Reading) {
	p.hub.Pump(ctx, in)
}

// close stops the hub, waits for the sinks and the dashboard, then releases files.
func (p *pipeline) close() {
	p.hubCancel()
	p.sinks.Wait()
	if p.dashboard != nil {
		<-p.dashboard
	}
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			p.log.Warn().Err(err).Msg("Close sink")
		}
	}
}
