package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jrockway/network-clock/control/api"
	"github.com/jrockway/network-clock/control/clock"
	"github.com/jrockway/network-clock/control/config"
	"github.com/jrockway/network-clock/control/hardware"
	"github.com/jrockway/network-clock/control/history"
	"github.com/jrockway/network-clock/control/softclock"
	"github.com/jrockway/network-clock/control/timesync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/net/trace"
)

var (
	configPath = flag.String("config", "/etc/network-clock/config.yaml", "path to the config file; created with defaults if missing")
	dbPath     = flag.String("db", "/var/lib/network-clock/history.db", "path to the sync history database; empty to disable")
	bind       = flag.String("bind", "", "address to bind for the http server; overrides the config file")
	driver     = flag.String("driver", "", "display driver (max7219, shiftregister, preview); overrides the config file")

	// buildTime is set with -ldflags "-X main.buildTime=$(date +%s)".  The clock shows it until the
	// first sync if the host has no real-time clock.
	buildTime string
)

func seed() int64 {
	now := time.Now().Unix()
	if bt, err := strconv.ParseInt(buildTime, 10, 64); err == nil && bt > now {
		return bt
	}
	return now
}

func main() {
	flag.Parse()
	if err := hardware.Init(); err != nil {
		log.Fatalf("%v", err)
	}

	store, err := config.Open(afero.NewOsFs(), *configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg := store.Get()
	if *bind != "" {
		cfg.HTTP.Bind = *bind
	}
	if *driver != "" {
		cfg.Hardware.Driver = *driver
	}

	disp, err := hardware.OpenDisplay(cfg.Hardware, cfg.Device.Brightness)
	if err != nil {
		log.Fatalf("open display: %v", err)
	}
	opts := clock.Options{
		Multiplex: cfg.Hardware.Multiplex,
		Resync:    cfg.Sync.Resync,
		OnOffsetChange: func(m int) {
			if _, err := store.Update(func(c *config.Config) { c.Device.TimeOffset = m }); err != nil {
				log.Printf("save offset: %v", err)
			}
		},
	}
	if opts.RefreshButton, err = hardware.Button("refresh", cfg.Hardware.RefreshButton); err != nil {
		log.Fatalf("%v", err)
	}
	if opts.WPSButton, err = hardware.Button("wps", cfg.Hardware.WPSButton); err != nil {
		log.Fatalf("%v", err)
	}
	if opts.OffsetButton, err = hardware.Button("offset", cfg.Hardware.OffsetButton); err != nil {
		log.Fatalf("%v", err)
	}
	if opts.ConnLED, err = hardware.LED(cfg.Hardware.ConnLED); err != nil {
		log.Fatalf("%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	var journal api.Journal
	var db *history.DB
	if *dbPath != "" {
		db, err = history.OpenDatabase(*dbPath)
		if err != nil {
			log.Fatalf("open history: %v", err)
		}
		j := history.NewJournal(db, 16)
		go j.Run(ctx)
		opts.Recorder = j
		journal = db
	}

	conn, err := timesync.ListenUDP(cfg.Sync.LocalPort)
	if err != nil {
		log.Fatalf("listen for ntp replies: %v", err)
	}
	soft := softclock.New(softclock.NewSystemUptime(), seed())
	soft.SetOffset(cfg.Device.TimeOffset)
	client := timesync.NewClient(conn, soft, timesync.Options{
		Server:       cfg.Sync.Server,
		Attempts:     cfg.Sync.Attempts,
		PollInterval: cfg.Sync.PollInterval,
	})
	conn.ResolverTimeout = client.Budget()

	cl, err := clock.New(disp.Driver, soft, client, opts)
	if err != nil {
		log.Fatalf("init clock: %v", err)
	}

	mux := http.NewServeMux()
	srv := api.New(store, cl, journal)
	if cfg.HTTP.WebRoot != "" {
		srv.ServeFiles(afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), cfg.HTTP.WebRoot)), filepath.Base(*configPath))
	}
	srv.Register(mux)
	mux.Handle("GET /display.png", disp.Preview)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /debug/events", trace.Events)
	mux.HandleFunc("GET /debug/requests", trace.Traces)

	httpDoneCh := make(chan error)
	httpServer := http.Server{Addr: cfg.HTTP.Bind, Handler: mux}
	go func() {
		log.Printf("http server listening on %s", httpServer.Addr)
		err := httpServer.ListenAndServe()
		select {
		case httpDoneCh <- err:
		case <-ctx.Done():
		}
		close(httpDoneCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	loopDoneCh := make(chan error)
	go func() {
		err := cl.Run(ctx)
		select {
		case loopDoneCh <- err:
		case <-ctx.Done():
		}
		close(loopDoneCh)
	}()

	httpAlive := true
	select {
	case err := <-httpDoneCh:
		log.Printf("http server died: %v", err)
		httpAlive = false
	case err := <-loopDoneCh:
		log.Printf("clock loop died: %v", err)
	case <-sigCh:
		log.Printf("interrupt")
	}
	signal.Stop(sigCh)
	cancel()
	<-loopDoneCh
	cl.Shutdown()
	conn.Close()
	disp.Close()
	if db != nil {
		db.Close()
	}
	if httpAlive {
		tctx, c := context.WithTimeout(context.Background(), time.Second)
		httpServer.Shutdown(tctx)
		c()
	}
	os.Exit(1)
}
