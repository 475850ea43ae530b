package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"apitap/internal/apierr"
	"apitap/internal/browse"
	"apitap/internal/capture"
	"apitap/internal/constants"
	"apitap/internal/events"
	"apitap/internal/runtime"
	"apitap/internal/server"
	"apitap/internal/skill/store"
	"apitap/internal/stats"
)

func (a *app) cmdServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", a.cfg.Server.ListenAddr, "listen address")
	fs.Parse(args)
	if fs.NArg() != 0 {
		return apierr.Inputf("serve takes no arguments")
	}

	bus := events.NewHub()
	cache := a.buildCache()
	browser := a.buildBrowser(cache)
	collector := stats.NewCollector(a.store)

	feed := capture.NewFeed(a.store, a.vault, bus, a.captureFilter())
	defer feed.Close()

	unsubscribe := bus.Subscribe(events.TopicSkillsChanged, func(context.Context, events.Event) {
		collector.Invalidate()
	})
	defer unsubscribe()

	engine := server.BuildEngine(a.cfg, server.Dependencies{
		Store:      a.store,
		Vault:      a.vault,
		Engine:     a.engine,
		Browser:    browser,
		Dispatcher: a.dispatcher,
		Stats:      collector,
		Feed:       feed,
		Bus:        bus,
	})

	tm := runtime.NewTaskManager(ctx)
	if err := tm.Start("skills-watcher", func(taskCtx context.Context) error {
		// The directory only appears with the first write; the watcher
		// needs it up front.
		if err := os.MkdirAll(a.store.SkillsDir(), 0o700); err != nil {
			return apierr.Wrap(apierr.KindIO, "prepare skills directory", err)
		}
		watcher, err := browse.WatchSkills(a.store.SkillsDir(), bus, cache)
		if err != nil {
			return err
		}
		<-taskCtx.Done()
		watcher.Close()
		return nil
	}); err != nil {
		return err
	}
	if err := tm.StartPeriodic("stats-gauges", constants.StatsCacheTTL, func(context.Context) error {
		_, err := collector.Snapshot()
		return err
	}); err != nil {
		return err
	}

	srv := &http.Server{Addr: *addr, Handler: engine}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", *addr).Info("serve: http api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-errCh:
		runErr = apierr.Wrap(apierr.KindIO, "serve: http server failed", err)
	case s := <-sig:
		log.WithField("signal", s.String()).Info("serve: shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("serve: forced shutdown")
	}

	tm.StopAll()
	tm.Wait()
	log.Info("serve: stopped")
	return runErr
}

func (a *app) cmdCapture(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	addr := fs.String("addr", a.cfg.Server.ListenAddr, "feed listen address")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return apierr.Inputf("usage: apitap capture <domain>")
	}
	domain := strings.ToLower(fs.Arg(0))
	if err := store.ValidateDomainName(domain); err != nil {
		return err
	}

	bus := events.NewHub()
	feed := capture.NewFeed(a.store, a.vault, bus, a.captureFilter())
	defer feed.Close()

	written := make(chan map[string]any, 1)
	unsubEndpoint := bus.Subscribe(events.TopicCaptureEndpoint, func(_ context.Context, ev events.Event) {
		if ep, ok := ev.Payload.(capture.EndpointEvent); ok && ep.Domain == domain {
			fmt.Printf("  endpoint %-6s %s\n", ep.Method, ep.Path)
		}
	})
	defer unsubEndpoint()
	unsubWritten := bus.Subscribe(events.TopicSkillWritten, func(_ context.Context, ev events.Event) {
		if p, ok := ev.Payload.(map[string]any); ok && p["domain"] == domain {
			select {
			case written <- p:
			default:
			}
		}
	})
	defer unsubWritten()

	mux := http.NewServeMux()
	mux.HandleFunc("/capture/feed", feed.HandleWS)
	srv := &http.Server{Addr: *addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	fmt.Printf("capturing %s\n", domain)
	fmt.Printf("connect the browser driver to ws://%s/capture/feed?role=driver&domain=%s\n", *addr, domain)
	fmt.Println("finish the session from the driver, or press Ctrl-C to abort")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case p := <-written:
		fmt.Printf("skill file written: %v endpoints -> %v\n", p["endpoints"], p["path"])
	case err := <-errCh:
		runErr = apierr.Wrap(apierr.KindIO, "capture: feed server failed", err)
	case <-sig:
		fmt.Println("capture aborted; no skill file written")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return runErr
}
