package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/refract/internal/certs"
	"github.com/zsiec/refract/internal/config"
	"github.com/zsiec/refract/internal/loader"
	"github.com/zsiec/refract/internal/session"
)

func playFlags(fs *pflag.FlagSet) {
	fs.String("pin", "", "SHA-256 fingerprint of a self-signed origin certificate to trust")
	fs.Duration("stats-interval", 2*time.Second, "interval between session stats lines, 0 to disable")
	fs.Bool("loop", false, "keep VOD sessions open after the end of the stream")
}

func runPlay(ctx context.Context, cfg config.Config, fs *pflag.FlagSet) error {
	urls := fs.Args()
	if len(urls) == 0 {
		return errors.New("play: no playlist URL")
	}
	pin, _ := fs.GetString("pin")
	interval, _ := fs.GetDuration("stats-interval")
	keepOpen, _ := fs.GetBool("loop")

	var tlsConf *tls.Config
	if pin != "" {
		fp, err := certs.ParseFingerprint(pin)
		if err != nil {
			return err
		}
		tlsConf = certs.PinnedConfig(fp)
	}
	opts := session.Options{
		Client:    loader.NewClient(cfg.Loading.HTTP3, tlsConf),
		Autoplay:  true,
		StopAtEnd: !keepOpen,
	}

	mgr := session.NewManager(nil)
	g, ctx := errgroup.WithContext(ctx)
	for _, u := range urls {
		p, err := mgr.Start(ctx, cfg, u, opts)
		if err != nil {
			return fmt.Errorf("play %s: %w", u, err)
		}
		g.Go(func() error {
			select {
			case <-p.Done():
			case <-ctx.Done():
				<-p.Done()
			}
			st := p.Stats()
			slog.Info("session finished", "id", st.ID, "url", st.URL,
				"fragments", st.Fragments, "bytes", st.BytesIn, "errors", st.Errors,
				"id3", st.ID3Tags, "captions", st.Captions)
			if err := p.Err(); err != nil {
				return fmt.Errorf("play %s: %w", u, err)
			}
			return nil
		})
	}

	if interval > 0 {
		done := make(chan struct{})
		defer close(done)
		go logStats(mgr, interval, done)
	}
	return g.Wait()
}

func logStats(mgr *session.Manager, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, p := range mgr.List() {
				st := p.Stats()
				slog.Info("session",
					"id", st.ID,
					"state", st.State,
					"level", fmt.Sprintf("%d/%d", st.Level, st.Levels),
					"bandwidth_kbps", int(st.Bandwidth/1000),
					"position", fmt.Sprintf("%.2f", st.Position),
					"buffer", fmt.Sprintf("%.2f", st.BufferAhead),
					"stalled", st.Stalled,
					"fragments", st.Fragments,
				)
			}
		}
	}
}
