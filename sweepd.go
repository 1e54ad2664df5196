package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/thejerf/suture/v4"

	"github.com/hb9tf/sweepd/config"
	"github.com/hb9tf/sweepd/journal"
	"github.com/hb9tf/sweepd/metrics"
	"github.com/hb9tf/sweepd/process"
	"github.com/hb9tf/sweepd/recovery"
	"github.com/hb9tf/sweepd/sdr"
	"github.com/hb9tf/sweepd/server"
	"github.com/hb9tf/sweepd/stream"
	"github.com/hb9tf/sweepd/sweep"
	"github.com/hb9tf/sweepd/waterfall"

	// Blind import support for sqlite3 used by the journal.
	_ "github.com/mattn/go-sqlite3"
)

var (
	configFile = flag.String("config", "", "Path of the config file to use (searches default locations when empty).")
	listen     = flag.String("listen", "", "Listen address for the HTTP server, e.g. \":8443\" (overrides config).")
	driver     = flag.String("driver", "", "SDR driver to use, one of: rtlsdr, hackrf (overrides config).")
	identifier = flag.String("identifier", "", "Unique identifier of this instance (overrides config, random UUID when unset).")
)

// journalService feeds operational stream events into the configured journal
// backend. It satisfies suture.Service.
type journalService struct {
	hub      *stream.Hub
	journal  journal.Journal
	instance string
}

func (j *journalService) Serve(ctx context.Context) error {
	entries := journal.Tail(ctx, j.hub, j.instance)
	if err := j.journal.Write(ctx, entries); err != nil {
		return err
	}
	return ctx.Err()
}

// metricsService tails the stream and keeps the Prometheus gauges in sync
// with the sweep state machine.
type metricsService struct {
	hub *stream.Hub
}

func (m *metricsService) Serve(ctx context.Context) error {
	sub := m.hub.Subscribe([]stream.EventType{
		stream.TypeStatus,
		stream.TypeError,
		stream.TypeRecoveryStart,
	}, stream.Filters{})
	defer m.hub.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-sub.Events():
			if !ok {
				return ctx.Err()
			}
			switch env.Type {
			case stream.TypeStatus:
				var p struct {
					Phase string `json:"phase"`
				}
				if err := json.Unmarshal(env.Data, &p); err == nil && p.Phase != "" {
					metrics.SetPhase(p.Phase)
				}
			case stream.TypeError:
				metrics.SweepErrors.Inc()
			case stream.TypeRecoveryStart:
				var p struct {
					Reason string `json:"reason"`
				}
				if err := json.Unmarshal(env.Data, &p); err == nil {
					metrics.RecoveryRetries.WithLabelValues(p.Reason).Inc()
				}
			}
		}
	}
}

func newJournal(cfg *config.JournalConfig) (journal.Journal, error) {
	switch strings.ToLower(cfg.Backend) {
	case "none":
		return nil, nil
	case "csv":
		return &journal.CSV{Out: os.Stdout}, nil
	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.SQLiteFile)
		if err != nil {
			return nil, err
		}
		return &journal.SQL{DB: db}, nil
	case "mysql":
		pass, err := os.ReadFile(cfg.MySQLPasswordFile)
		if err != nil {
			return nil, err
		}
		mycfg := mysql.Config{
			User:   cfg.MySQLUser,
			Passwd: strings.TrimSpace(string(pass)),
			Net:    "tcp",
			Addr:   cfg.MySQLServer,
			DBName: cfg.MySQLDBName,
		}
		db, err := sql.Open("mysql", mycfg.FormatDSN())
		if err != nil {
			return nil, err
		}
		db.SetConnMaxLifetime(3 * time.Minute)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		return &journal.SQL{DB: db}, nil
	}
	return nil, nil
}

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		glog.Exitf("unable to load config: %s", err)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *driver != "" {
		cfg.Driver = *driver
	}
	if *identifier != "" {
		cfg.Identifier = *identifier
	}

	id := cfg.Identifier
	if id == "" {
		id = uuid.NewString()
	}

	var drv sdr.Driver
	switch strings.ToLower(cfg.Driver) {
	case "hackrf":
		drv = sdr.HackRF{}
	case "rtlsdr":
		drv = sdr.RTLSDR{}
	default:
		glog.Exitf("%q is not a supported driver, pick one of: hackrf, rtlsdr", cfg.Driver)
	}

	hub := stream.NewHub(nil)
	hub.OnSubscribers(func(n int) {
		metrics.StreamSubscribers.Set(float64(n))
	})

	sup := process.NewSupervisor(drv, id, nil, nil)
	rec := recovery.NewEngine(recovery.Options{
		MaxRetriesPerMinute: cfg.Recovery.MaxRetriesPerMinute,
		BlacklistThreshold:  cfg.Recovery.BlacklistThreshold,
	})
	window := waterfall.NewWindow(cfg.Waterfall.MaxRows)

	ctl := sweep.NewController(sweep.Options{
		Supervisor:  sup,
		Recovery:    rec,
		Hub:         hub,
		Driver:      drv,
		Integration: cfg.Integration,
		OnSample: func(s sdr.Sample) {
			window.Add(s)
			metrics.SamplesStreamed.Inc()
		},
	})

	srv := server.New(server.Options{
		Listen:     cfg.Server.Listen,
		CertFile:   cfg.Server.CertFile,
		KeyFile:    cfg.Server.KeyFile,
		Controller: ctl,
		Hub:        hub,
		Supervisor: sup,
		Waterfall:  window,
	})

	root := suture.New("sweepd", suture.Spec{
		EventHook: func(e suture.Event) {
			glog.Warningf("supervision: %s", e)
		},
	})
	root.Add(hub)
	root.Add(ctl)
	root.Add(srv)
	root.Add(&metricsService{hub: hub})

	j, err := newJournal(&cfg.Journal)
	if err != nil {
		glog.Exitf("unable to set up %q journal: %s", cfg.Journal.Backend, err)
	}
	if j != nil {
		root.Add(&journalService{hub: hub, journal: j, instance: id})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	glog.Infof("sweepd starting: driver=%s listen=%s id=%s", drv.Name(), cfg.Server.Listen, id)
	if err := root.Serve(ctx); err != nil && err != context.Canceled {
		glog.Errorf("supervision tree exited: %s", err)
	}
	glog.Flush()
}
