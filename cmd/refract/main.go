package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/zsiec/refract/internal/config"
)

var version = "dev"

const usage = `usage: refract <command> [flags]

commands:
  play URL...     play HLS streams headless and log session stats
  remux           remux an MPEG-TS file or SRT feed to fragmented MP4
  serve           serve a directory over HTTP/3 with a self-signed certificate
  version         print the version

Run 'refract <command> --help' for the flags of a command.
`

type command func(ctx context.Context, cfg config.Config, fs *pflag.FlagSet) error

type subcommand struct {
	flags func(fs *pflag.FlagSet)
	run   command
}

var commands = map[string]subcommand{
	"play":  {flags: playFlags, run: runPlay},
	"remux": {flags: remuxFlags, run: runRemux},
	"serve": {flags: func(*pflag.FlagSet) {}, run: runServe},
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	name := os.Args[1]
	if name == "version" || name == "--version" {
		fmt.Println("refract", version)
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}

	fs := config.Flags()
	fs.Init("refract "+name, pflag.ContinueOnError)
	cmd.flags(fs)
	if err := fs.Parse(os.Args[2:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("refract starting", "version", version, "command", name)
	if err := cmd.run(ctx, cfg, fs); err != nil {
		slog.Error(name+" failed", "error", err)
		os.Exit(1)
	}
}

// logLevel maps the configured level name; DEBUG in the environment forces
// debug logging.
func logLevel(name string) slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
