// Command iastscand is the IAST scanner daemon: it boots the Ingest
// Server, the Target Manager's admin surface, the embedded NATS broker,
// and the Per-Target Scanner pool under one Supervisor (§4.10, §6 CLI).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/iastscan/iastscand/internal/cloudapi"
	"github.com/iastscan/iastscand/internal/config"
	"github.com/iastscan/iastscand/internal/correlator"
	"github.com/iastscan/iastscand/internal/dedup"
	"github.com/iastscan/iastscand/internal/ingest"
	"github.com/iastscan/iastscand/internal/obs"
	"github.com/iastscan/iastscand/internal/plugin"
	"github.com/iastscan/iastscand/internal/scanner"
	"github.com/iastscan/iastscand/internal/store"
	"github.com/iastscan/iastscand/internal/supervisor"
	"github.com/iastscan/iastscand/internal/targetmgr"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		runStart(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "restart":
		runStop(os.Args[2:])
		runStart(os.Args[2:])
	case "version":
		fmt.Println("iastscand", version)
	case "config":
		runConfig(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: iastscand <start [-f] [-c path] | stop | restart | version | config>")
}

func runStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	cfgPath := fs.String("c", "/etc/iastscand/config.yml", "path to YAML config file")
	foreground := fs.Bool("f", false, "run in the foreground (default: daemonize is not supported on this platform, always foreground)")
	fs.Parse(args)
	_ = foreground

	cfg, err := loadOrDefault(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iastscand: %v\n", err)
		os.Exit(1)
	}

	if err := start(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "iastscand: %v\n", err)
		os.Exit(2)
	}
}

func runStop([]string) {
	data, err := os.ReadFile(pidFilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iastscand: no running instance found (%v)\n", err)
		os.Exit(1)
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		fmt.Fprintf(os.Stderr, "iastscand: malformed pid file: %v\n", err)
		os.Exit(1)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iastscand: %v\n", err)
		os.Exit(1)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "iastscand: signal pid %d: %v\n", pid, err)
		os.Exit(1)
	}
}

func runConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	cfgPath := fs.String("c", "/etc/iastscand/config.yml", "path to YAML config file")
	fs.Parse(args)

	cfg, err := loadOrDefault(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iastscand: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%+v\n", cfg)
}

func loadOrDefault(path string) (config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	return config.Load(path)
}

// start wires every component (§4.10: Ingest Server, Target Manager,
// embedded NATS broker, scanner pool) under one Supervisor and blocks
// until SIGINT/SIGTERM.
func start(cfg config.Config) error {
	if dir := filepath.Dir(cfg.Database.DBName); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := store.Open(cfg.Database.DBName)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	queues := store.NewQueues(db)
	reports := store.NewReports(db)
	configs, err := store.NewConfigs(db)
	if err != nil {
		return fmt.Errorf("init config table: %w", err)
	}

	counters := obs.NewCounters()
	correlators := correlator.NewRegistry()
	engine := dedup.NewEngine(store.QueuePutter{Queues: queues}, cfg.Preprocessor.RequestLRUSize, nil)
	plugins := plugin.NewStockRegistry()

	hub := targetmgr.NewHub()

	sup := supervisor.New()
	pool := supervisor.NewScannerPool(scanner.New(scanner.Deps{
		Cfg:             cfg,
		Queues:          queues,
		Configs:         configs,
		Reports:         reports,
		Plugins:         plugins,
		Correlators:     correlators,
		Counters:        counters,
		FindingNotifier: hub,
	}))

	scannerCap := cfg.Scanner.MaxModuleInstance
	if scannerCap <= 0 {
		scannerCap = 8
	}
	mgr := targetmgr.New(scannerCap, pool, configs, queues, reports, correlators)

	ingestSrv := ingest.New(ingest.Config{
		HTTPPort:   cfg.Preprocessor.HTTPPort,
		APIPath:    cfg.Preprocessor.APIPath,
		ProcessNum: cfg.Preprocessor.ProcessNum,
	}, correlators, engine, mgr, counters)
	mgr.SetLRUClearer(ingestSrv)

	adminSrv := targetmgr.NewServerWithHub(mgr, hub)
	adminHTTP := newHTTPComponent(fmt.Sprintf(":%d", cfg.Monitor.ConsolePort), adminSrv)

	var uploader cloudapi.Uploader = cloudapi.NewNoopUploader()
	if cfg.CloudAPI.Enable && cfg.CloudAPI.BackendURL != "" {
		if u, err := cloudapi.NewNATSUploader(cfg.CloudAPI.BackendURL, "iastscand.findings"); err != nil {
			log.Printf("[IASTSCAND] cloud_api uploader disabled: %v", err)
		} else {
			uploader = u
		}
	}
	defer uploader.Close()

	broker := supervisor.NewBroker(supervisor.BrokerConfig{Port: 4222})

	sup.Register("ingest", ingestSrv.Run, 5, time.Minute)
	sup.Register("admin", adminHTTP.Run, 5, time.Minute)
	sup.Register("broker", broker.Run, 3, time.Minute)
	sup.Register("nats-bridge", func(ctx context.Context) error {
		return targetmgr.RunBridge(ctx, broker.URL(), mgr)
	}, 5, time.Minute)

	if err := writePIDFile(); err != nil {
		log.Printf("[IASTSCAND] pid file: %v", err)
	}
	defer os.Remove(pidFilePath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup.Start(ctx)
	<-ctx.Done()
	log.Println("[IASTSCAND] shutting down")
	return nil
}

const pidFilePath = "/var/run/iastscand.pid"

func writePIDFile() error {
	return os.WriteFile(pidFilePath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}

// httpComponent adapts a plain http.Handler to supervisor.RunFunc,
// shutting down gracefully when ctx is canceled (§4.10: the admin
// surface is one Supervisor-owned component like the Ingest Server).
type httpComponent struct {
	srv *http.Server
}

func newHTTPComponent(addr string, handler http.Handler) *httpComponent {
	return &httpComponent{srv: &http.Server{Addr: addr, Handler: handler}}
}

func (h *httpComponent) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
