package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/norasector/phasemeter/pkg/dsp/viz"
	"github.com/norasector/phasemeter/pkg/phasemeter"
	"github.com/norasector/phasemeter/pkg/phasemeter/config"
	"github.com/norasector/phasemeter/pkg/phasemeter/device"
	"github.com/norasector/phasemeter/pkg/phasemeter/device/file"
	"github.com/norasector/phasemeter/pkg/phasemeter/device/sim"
	"github.com/norasector/phasemeter/pkg/types"
	"golang.org/x/sync/errgroup"
)

const defaultHistory = 600

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	configFile := flag.String("config", "phasemeter.yaml", "YAML config file")
	debug := flag.Bool("debug", false, "log every processed block")

	flag.Parse()
	if *debug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	opts, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error reading config file")
	}
	if err := opts.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	pmOpts, err := opts.Options()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	var dev device.Device
	switch opts.Device {
	case "file":
		log.Info().Str("device", "file").Str("path", opts.PlaybackLocation).Msg("initializing device...")
		dev, err = file.NewFileDevice(opts.PlaybackLocation, opts.PlaybackDelay, opts.PlaybackLoop)
		if err != nil {
			log.Fatal().Str("device", "file").Err(err).Msg("failed to init file reader")
		}
	default:
		log.Info().Str("device", "sim").Msg("initializing device...")
		simOpts, err := opts.SimOptions()
		if err != nil {
			log.Fatal().Str("device", "sim").Err(err).Msg("invalid simulator config")
		}
		dev, err = sim.NewDevice(simOpts)
		if err != nil {
			log.Fatal().Str("device", "sim").Err(err).Msg("failed to create simulator")
		}
	}

	if opts.RecordLocation != "" {
		log.Info().Str("path", opts.RecordLocation).Msg("recording blocks")
		dev = file.NewRecordingDevice(dev, opts.RecordLocation)
	}

	pmOptions := []phasemeter.Option{phasemeter.WithLogger(log.Logger)}

	if opts.InfluxDB.Host != "" {
		influxClient := influxdb2.NewClient(opts.InfluxDB.Host, opts.InfluxDB.Token)
		defer influxClient.Close()
		influxWriteAPI := influxClient.WriteAPI(opts.InfluxDB.Organization, opts.InfluxDB.Bucket)
		pmOptions = append(pmOptions, phasemeter.WithInfluxDB(influxWriteAPI))
	}

	history := opts.VizServer.History
	if history <= 0 {
		history = defaultHistory
	}
	phaseHistory := viz.NewHistoryPlotter("phase", history, viz.QuantityPhase)
	ampHistory := viz.NewHistoryPlotter("amplitude", history, viz.QuantityAmplitude)

	pmOptions = append(pmOptions, phasemeter.WithCallback(func(rec *types.ResultRecord) {
		ev := log.Info().Time("timestamp", rec.Timestamp).Int("segment", rec.SegmentNumber)
		for _, ch := range pmOpts.Channels {
			m := rec.Channels[ch.ID]
			ev = ev.Str(ch.ID.String(), fmt.Sprintf("Amp=%.3e, Phase=%.3f rad", m.Amplitude, m.Phase))
		}
		ev.Msg("block")

		phaseHistory.AppendRecord(rec)
		ampHistory.AppendRecord(rec)
	}))

	pm, err := phasemeter.NewPhasemeter(dev, pmOpts, pmOptions...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create phasemeter")
	}

	var vizServer *viz.Server
	if opts.VizServer.Port != 0 {
		vizServer = viz.NewServer(opts.VizServer.Port, opts.VizServer.UpdateInterval)
		vizServer.Register("live", viz.NewWaveformPlotter("waveform", pm))
		vizServer.Register("live", phaseHistory)
		vizServer.Register("live", ampHistory)
	}

	if err := pm.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start phasemeter")
	}
	if vizServer != nil {
		// full scale is only known once the device has been programmed
		vizServer.Register("spectrum", viz.NewSpectrumPlotter("spectrum", pm, float64(pm.MaxADC())))
	}

	eg, ctx := errgroup.WithContext(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var deadline <-chan time.Time
	if opts.RunDuration > 0 {
		deadline = time.After(opts.RunDuration)
	}

	eg.Go(func() error {
		select {
		case <-sigChan:
			log.Info().Msg("interrupted")
		case <-deadline:
			log.Info().Dur("run_duration", opts.RunDuration).Msg("run complete")
		case <-pm.Done():
		case <-ctx.Done():
		}

		if vizServer != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := vizServer.Stop(stopCtx); err != nil {
				log.Warn().Err(err).Msg("error stopping viz server")
			}
		}

		if err := pm.Stop(); err != nil && !errors.Is(err, phasemeter.ErrNotRunning) {
			return err
		}
		return nil
	})

	if vizServer != nil {
		eg.Go(func() error {
			log.Info().Int("port", opts.VizServer.Port).Msg("serving plots")
			return vizServer.Run(ctx)
		})
	}

	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("exited program")
	}
}
