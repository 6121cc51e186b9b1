// Command cryosuperd is the cryostat vibration-isolation platform's
// supervisory control server: it polls the ADC and USB motor/GPIO
// controllers, runs the safety and control laws, and fans out live and
// historical measurements to connected observers over WebSocket
// (spec.md §1, §2, §12).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"cryosuper/internal/engine"
	"cryosuper/internal/logsink"
	"cryosuper/internal/usbhub"
	"cryosuper/internal/wsobserver"
)

func main() {
	configPath := flag.String("config", "/etc/cryosuper/config.json", "path to the deployment config file")
	dryRun := flag.Bool("dry-run", false, "start with no-op USB/ADC transports, for console/observer testing")
	flag.Parse()

	if err := run(*configPath, *dryRun); err != nil {
		fmt.Fprintln(os.Stderr, "cryosuperd:", err)
		os.Exit(1)
	}
}

func run(configPath string, dryRun bool) error {
	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	cal, err := engine.BuildCalibrationSet(&cfg)
	if err != nil {
		return errors.Wrap(err, "build calibration set")
	}

	sink := logsink.New(cfg.LogDir, cfg.LogName, time.Now())
	defer sink.Sync()

	e := engine.NewEngine(&cfg, cal)
	e.Events = make(chan any, 256)
	e.Log = sink.Log
	e.Slots.Log = sink.Log
	e.Adam.Log = sink.Log
	e.Safety.Log = sink.Log
	e.Control.Log = sink.Log
	e.Hub.Log = sink.LogToFile
	sink.OnObserverBroadcast(e.Hub.Console)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hub *usbhub.Hub
	if !dryRun {
		hub = usbhub.NewHub(cfg.USBVendorID, cfg.USBProductID, e.Events)
		hub.Log = sink.Log
		defer hub.Close()

		e.Adam.Dial = dialAdam
		e.Adam.OnConnect = func(conn engine.AdamConn) {
			if tc, ok := conn.(*net.TCPConn); ok {
				go readAdam(tc, e.Events)
			}
		}
	} else {
		sink.Log("starting in dry-run mode: no USB or ADC transports")
	}

	mux := http.NewServeMux()
	mux.Handle("/cute", wsobserver.NewHandler(e.Events))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"active":%q,"bad_polls":%d}`, e.Active, e.Safety.BadPolls())
	})
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sink.Log("http server error: %v", err)
		}
	}()

	if !dryRun {
		go scanUSBPeriodically(ctx, hub, cfg.TickInterval)
	}
	go rotateLogPeriodically(ctx, sink)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		sink.Log("shutdown requested")
		cancel()
	}()

	sink.Log("cryosuperd starting, tick=%s http=%s", cfg.TickInterval, cfg.HTTPAddr)
	e.Run(ctx, func() int64 { return time.Now().UnixMilli() })

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	time.Sleep(100 * time.Millisecond) // let the last log lines flush
	return nil
}

func dialAdam(addr string) (engine.AdamConn, error) {
	conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

func readAdam(conn *net.TCPConn, events chan<- any) {
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			events <- engine.AdamErrorEvent{Err: err}
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		events <- engine.AdamDataEvent{Data: data}
	}
}

func scanUSBPeriodically(ctx context.Context, hub *usbhub.Hub, period time.Duration) {
	scanEvery := period * 25 // enumeration is comparatively expensive; no need to run it every tick
	ticker := time.NewTicker(scanEvery)
	defer ticker.Stop()
	hub.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hub.Scan(ctx)
		}
	}
}

func rotateLogPeriodically(ctx context.Context, sink *logsink.Sink) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sink.Rotate(time.Now())
		}
	}
}
