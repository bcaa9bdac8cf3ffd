package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ravenfell/ravenfell/pkg/admin"
	"github.com/ravenfell/ravenfell/pkg/config"
	"github.com/ravenfell/ravenfell/pkg/logging"
	"github.com/ravenfell/ravenfell/pkg/network"
	"github.com/ravenfell/ravenfell/pkg/protocols/echo"
	"github.com/ravenfell/ravenfell/pkg/protocols/status"
)

func main() {
	configPath := flag.String("config", "", "path to config file (JSON)")
	serverName := flag.String("server-name", "Ravenfell", "server name announced to clients")
	ip := flag.String("ip", "127.0.0.1", "IPv4 address to bind when -bind-global is set")
	bindGlobal := flag.Bool("bind-global", false, "bind only the configured address instead of all interfaces")
	maxPPS := flag.Uint("max-packets-per-second", 25, "per-connection inbound packet rate limit (0 = unlimited)")
	loginPort := flag.Uint("login-port", 7171, "multiplexed port for status and login-style services")
	gamePort := flag.Uint("game-port", 7172, "single-socket game port")
	adminAddr := flag.String("admin-addr", "127.0.0.1:8171", "admin live-feed listen address (empty = disabled)")
	adminInterval := flag.Duration("admin-interval", 2*time.Second, "admin feed push interval")
	workers := flag.Int("workers", 4, "reactor worker pool size")
	connRate := flag.Float64("conn-rate", 10, "accepted connections per second per IP")
	connBurst := flag.Int("conn-burst", 20, "connection rate burst per IP")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "log format (text, json)")
	flag.Parse()

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		config.ApplyToFlags(cfg)
	}

	logging.Setup(*logLevel, *logFormat)

	cfg := config.Default()
	cfg.ServerName = *serverName
	cfg.IP = *ip
	cfg.BindOnlyGlobalAddress = *bindGlobal
	cfg.MaxPacketsPerSecond = uint32(*maxPPS)
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat

	start := time.Now()
	conns := network.NewConnectionManager()
	disp := network.NewDispatcher()
	guard := network.NewConnectGuard(*connRate, *connBurst)
	manager := network.NewServiceManager(cfg, conns, disp, guard, *workers)

	statusInfo := func() status.Info {
		return status.Info{
			ServerName:    cfg.ServerName,
			UptimeSeconds: int64(time.Since(start).Seconds()),
			Connections:   conns.Size(),
		}
	}

	if err := manager.Add(status.NewService(statusInfo), uint16(*loginPort)); err != nil {
		log.Fatalf("register status service: %v", err)
	}
	if err := manager.Add(echo.NewService(true), uint16(*loginPort)); err != nil {
		log.Fatalf("register echo service: %v", err)
	}
	if err := manager.Add(echo.NewSingleSocketService(), uint16(*gamePort)); err != nil {
		log.Fatalf("register game echo service: %v", err)
	}

	var feed *admin.Server
	if *adminAddr != "" {
		feed = admin.New(*adminAddr, *adminInterval, func() admin.Snapshot {
			return admin.Snapshot{
				ServerName:    cfg.ServerName,
				UptimeSeconds: int64(time.Since(start).Seconds()),
				Connections:   conns.Size(),
			}
		})
		if err := feed.Start(); err != nil {
			log.Fatalf("admin feed start: %v", err)
		}
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		slog.Info("shutting down")
		if feed != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			feed.Stop(ctx)
			cancel()
		}
		conns.CloseAll()
		manager.Stop()
		disp.Stop()
	}()

	slog.Info("server online", "name", cfg.ServerName)
	if err := manager.Run(); err != nil {
		log.Fatalf("run: %v", err)
	}
}
