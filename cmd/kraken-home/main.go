package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kraken-go-home/internal/device"
	"kraken-go-home/internal/events"
	"kraken-go-home/internal/store"
	"kraken-go-home/internal/usbio"
	"kraken-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "kraken-home",
		Short:         "Control NZXT Kraken liquid coolers over USB",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the configuration file")

	run := &cobra.Command{
		Use:   "run",
		Short: "Attach coolers and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), cfgPath)
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List supported coolers on the USB bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDevices(cmd.OutOrStdout())
		},
	}
	root.AddCommand(run, list)
	root.RunE = run.RunE
	return root
}

// bootError logs err with a plain logger and returns it for the exit code.
func bootError(msg string, err error) error {
	slog.New(slog.NewTextHandler(os.Stderr, nil)).Error(msg, "err", err)
	return err
}

func runDaemon(ctx context.Context, cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return bootError("load config", err)
	}
	if err := cfg.validate(); err != nil {
		return bootError("invalid config", err)
	}

	logger := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("kraken-go-home starting", "version", version, "transport", cfg.Transport.Type)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.New()
	devices := device.NewManager(ctx, device.Config{
		Update:   cfg.updateConfig(),
		Settings: cfg.Devices,
	}, db, bus, logger)

	// Scripts and the bridge subscribe before the first device attaches.
	auto, autoWebOpts := initAutomation(devices, bus, cfg, logger)
	mqtt := initMQTT(devices, bus, cfg, logger)

	scanDone, err := startTransport(ctx, devices, cfg, logger)
	if err != nil {
		logger.Error("start transport", "err", err)
		auto.Stop()
		mqtt.Stop()
		devices.Close()
		return err
	}

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(devices, bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // above the longest sync wait
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	<-scanDone
	devices.Close()

	logger.Info("goodbye")
	return nil
}

// startTransport attaches coolers. USB coolers are found by polling the bus;
// a serial bridge carries exactly one cooler of the configured model. The
// returned channel closes once no attach can still be in progress.
func startTransport(ctx context.Context, devices *device.Manager, cfg *Config, logger *slog.Logger) (<-chan struct{}, error) {
	done := make(chan struct{})
	switch cfg.Transport.Type {
	case "serial":
		defer close(done)
		t, err := usbio.OpenSerial(cfg.Transport.Port, cfg.Transport.Baud, logger)
		if err != nil {
			return done, err
		}
		info := usbio.DeviceInfo{Serial: "serial-" + cfg.Transport.Port}
		if m, ok := device.ModelByName(cfg.Transport.Model); ok {
			info.Vendor, info.Product = m.Vendor, m.Product
		}
		attachCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_, err = devices.AttachModel(attachCtx, cfg.Transport.Model, t, info)
		return done, err
	default:
		go func() {
			defer close(done)
			devices.Watch(ctx, device.USBSource{Logger: logger}, cfg.scanInterval())
		}()
		return done, nil
	}
}

func listDevices(w io.Writer) error {
	infos, err := usbio.Enumerate(device.IDs())
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintln(w, "no supported coolers found")
		return nil
	}
	for _, info := range infos {
		m, _ := device.LookupModel(info.Vendor, info.Product)
		serial := info.Serial
		if serial == "" {
			serial = "-"
		}
		fmt.Fprintf(w, "%-4s %04x:%04x  bus %03d addr %03d  serial %s\n",
			m.Name, info.Vendor, info.Product, info.Bus, info.Address, serial)
	}
	return nil
}
