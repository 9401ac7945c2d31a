// Command datalayerd runs a node that hosts the Echo service over the TCP
// message transport and advertises it in the capability registry.
//
// Usage:
//
//	datalayerd [-config node.yaml] [-listen addr]
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

	"datalayer-rpc/config"
	"datalayer-rpc/internal/echo"
	"datalayer-rpc/internal/node"
	"datalayer-rpc/service"
	"datalayer-rpc/transport"

	"go.uber.org/zap"
)

var (
	configFile = flag.String("config", "", "YAML config `file`")
	listen     = flag.String("listen", "", "override the configured listen `address`")
	prefix     = flag.String("prefix", "", "prefix for echoed values")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "datalayerd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromFile(*configFile)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
		cfg.AdvertiseAddr = *listen
	}
	if cfg.Listen == "" {
		return errors.New("no listen address configured")
	}

	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg, closeReg, err := node.OpenRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer closeReg()

	d := node.NewDispatcher(cfg, logger)
	echo.RegisterEchoServer(d, &echo.Server{Prefix: *prefix})

	svc := service.New(d, service.WithPathPrefix(cfg.PathPrefix), service.WithLogger(logger))
	svc.OnCreate()
	defer svc.OnDestroy()

	srv := transport.NewServer(svc.Handler(), logger)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve("tcp", cfg.Listen) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	self := node.Self(cfg)
	if err := svc.Advertise(ctx, reg, self, cfg.Etcd.LeaseTTL, cfg.Node.Capabilities...); err != nil {
		srv.Shutdown(time.Second)
		return err
	}
	logger.Info("node up",
		zap.String("name", cfg.Node.Name),
		zap.String("listen", cfg.Listen),
		zap.Strings("capabilities", cfg.Node.Capabilities))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	withdrawCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Withdraw(withdrawCtx, reg, self.ID, cfg.Node.Capabilities...); err != nil {
		logger.Warn("withdraw failed", zap.Error(err))
	}
	return srv.Shutdown(5 * time.Second)
}
