// Command rvcmon monitors an RV-C bus. It reads SLCAN records from a serial
// adapter and/or an MQTT bridge, decodes them against a packet catalog, logs
// per-source statistics and optionally republishes decoded events over MQTT.
//
// SIGHUP reloads the catalog without dropping statistics. SIGUSR1 resets the
// statistics, keeping hidden sources hidden.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kabili207/rvc-go/core/catalog"
	"github.com/kabili207/rvc-go/core/multipart"
	"github.com/kabili207/rvc-go/device/pipeline"
	"github.com/kabili207/rvc-go/device/session"
	"github.com/kabili207/rvc-go/transport"
	"github.com/kabili207/rvc-go/transport/mqtt"
	"github.com/kabili207/rvc-go/transport/serial"
)

func setupLogging(cfg config, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Logs.Level)
	if err != nil {
		return nil, nil, err
	}

	out := stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.Logs.Directory != "" {
		if err := os.MkdirAll(cfg.Logs.Directory, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Logs.Directory, "rvcmon.log"),
			MaxSize:    cfg.Logs.MaxSizeMB,
			MaxAge:     cfg.Logs.MaxAgeDays,
			MaxBackups: cfg.Logs.MaxBackups,
			Compress:   cfg.Logs.Compress,
		}
		out = io.MultiWriter(stderr, rotator)
		closer = rotator
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logs.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}

func main() {
	configPath := flag.String("config", "config/rvcmon.yaml", "path to configuration file")
	catalogPath := flag.String("catalog", "", "packet catalog (overrides config)")
	port := flag.String("port", "", "serial port (overrides config)")
	unmatched := flag.Bool("unmatched", false, "report frames no catalog entry matches")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *catalogPath != "" {
		cfg.Catalog = *catalogPath
	}
	if *port != "" {
		cfg.Serial.Port = *port
	}
	if *unmatched {
		cfg.IncludeUnmatched = true
	}

	logger, closer, err := setupLogging(cfg, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("rvcmon exited", "error", err)
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	cat, err := catalog.Load(cfg.Catalog, logger)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	logger.Info("catalog loaded", "path", cfg.Catalog,
		"definitions", cat.Len(), "skipped", len(cat.Skipped))

	sess := session.New(session.Config{
		Pipeline: pipeline.Config{
			Catalog:          cat,
			IncludeUnmatched: cfg.IncludeUnmatched,
			Reassembly: multipart.Policy{
				MaxAge:     cfg.Reassembly.MaxAge,
				MaxPending: cfg.Reassembly.MaxPending,
			},
		},
		QueueSize: cfg.QueueSize,
		Logger:    logger,
	})

	if err := sess.Do(func(p *pipeline.Pipeline) {
		for _, addr := range cfg.hidden {
			p.Sources().SetVisible(addr, false)
		}
	}); err != nil {
		return fmt.Errorf("hide sources: %w", err)
	}

	var transports []transport.Transport
	var publisher *eventPublisher

	if cfg.Serial.Port != "" {
		st := serial.New(serial.Config{
			Port:     cfg.Serial.Port,
			BaudRate: cfg.Serial.BaudRate,
			BitRate:  cfg.Serial.BitRate,
			Logger:   logger,
		})
		sess.AddTransport(st, transport.SourceSerial)
		transports = append(transports, st)
	}
	if cfg.MQTT.Broker != "" {
		format, err := mqtt.ParseEventFormat(cfg.MQTT.EventFormat)
		if err != nil {
			return err
		}
		mt := mqtt.New(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			UseTLS:      cfg.MQTT.TLS,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			BusID:       cfg.MQTT.BusID,
			EventFormat: format,
			Logger:      logger,
		})
		sess.AddTransport(mt, transport.SourceMQTT)
		transports = append(transports, mt)
		if cfg.MQTT.PublishEvents {
			publisher = newEventPublisher(mt, publishQueueSize, logger)
		}
	}

	evLog := logger.WithGroup("event")
	sess.SetEventHandler(func(ev pipeline.DecodedEvent) {
		evLog.Debug("frame",
			"name", ev.Name(), "dgn", ev.Frame.DGNString(),
			"source", ev.Frame.Source, "data", fmt.Sprintf("%X", ev.Frame.Data),
			"reassembled", ev.Reassembled)
		if publisher != nil {
			publisher.Offer(eventMessage(ev))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess.Start(ctx)
	defer sess.Stop()

	for _, t := range transports {
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("start transport: %w", err)
		}
		defer t.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return logStats(ctx, sess, cfg.StatsInterval, logger)
	})
	g.Go(func() error {
		return reloadOnHangup(ctx, sess, cfg.Catalog, logger)
	})
	g.Go(func() error {
		return resetOnUser1(ctx, sess, logger)
	})
	if publisher != nil {
		g.Go(func() error {
			return publisher.Run(ctx)
		})
	}

	logger.Info("rvcmon running", "transports", len(transports))
	return g.Wait()
}

// logStats periodically logs the per-source table and session counters.
func logStats(ctx context.Context, sess *session.Session, interval time.Duration, logger *slog.Logger) error {
	log := logger.WithGroup("stats")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var pending int
		var rows []sourceRow
		if err := sess.Do(func(p *pipeline.Pipeline) {
			pending = p.PendingTransfers()
			rows = sourceRows(p.Sources().Snapshot())
		}); err != nil {
			return nil
		}

		c := sess.Counters()
		log.Info("session",
			"lines", c.LinesRecv, "dropped", c.LinesDropped,
			"frames", c.FramesDecoded, "events", c.EventsDelivered,
			"pendingTransfers", pending)
		for _, r := range rows {
			log.Info("source", "address", r.Address, "frames", r.Frames,
				"dgns", r.DGNs, "visible", r.Visible)
		}
	}
}

// reloadOnHangup swaps in a freshly loaded catalog on SIGHUP. A catalog that
// fails to load leaves the current one in place.
func reloadOnHangup(ctx context.Context, sess *session.Session, path string, logger *slog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}

		cat, err := catalog.Load(path, logger)
		if err != nil {
			logger.Error("catalog reload failed", "path", path, "error", err)
			continue
		}
		if err := sess.Do(func(p *pipeline.Pipeline) {
			p.SetCatalog(cat)
		}); err != nil {
			logger.Warn("catalog reload abandoned", "error", err)
			return nil
		}
		logger.Info("catalog reloaded", "path", path,
			"definitions", cat.Len(), "skipped", len(cat.Skipped))
	}
}

// resetOnUser1 clears statistics and counters on SIGUSR1.
func resetOnUser1(ctx context.Context, sess *session.Session, logger *slog.Logger) error {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-usr1:
		}
		if err := sess.Reset(); err != nil {
			logger.Warn("statistics reset abandoned", "error", err)
			return nil
		}
	}
}
