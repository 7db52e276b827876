package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/spf13/pflag"

	"github.com/zsiec/refract/internal/certs"
	"github.com/zsiec/refract/internal/config"
	"github.com/zsiec/refract/internal/distribution"
)

func runServe(ctx context.Context, cfg config.Config, _ *pflag.FlagSet) error {
	var hosts []string
	if host, _, err := net.SplitHostPort(cfg.Serve.Addr); err == nil && host != "" {
		hosts = append(hosts, host)
	}
	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14*24*time.Hour, hosts...)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintHex(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	slog.Info("clients trust the origin with", "flags", "--loading.http3 --pin "+cert.FingerprintHex())

	srv, err := distribution.NewServer(distribution.ServerConfig{
		Addr: cfg.Serve.Addr,
		Dir:  cfg.Serve.Dir,
		Cert: cert,
	}, nil)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}
