// Command apitap captures browser API traffic into per-domain skill
// files and replays them later without a browser.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"apitap/internal/apierr"
	"apitap/internal/config"
	"apitap/internal/constants"
	"apitap/internal/logging"
	tracing "apitap/internal/monitoring/tracing"
)

const usageText = `apitap - capture browser API traffic, replay it without a browser

Usage:
  apitap [-config file] [-debug] <command> [arguments]

Commands:
  capture <domain>              run a capture feed and write the skill file
  list                          list captured domains
  inspect <domain>              print a domain's skill file
  search <term>                 find endpoints across skill files
  replay <domain> <endpointId>  replay one captured endpoint
  browse <url>                  resolve a URL against captured skills
  verify <domain|file>          live-verify a domain, or check a file offline
  import <file>                 import a skill file ("-" reads stdin)
  auth <domain>                 show stored credential state, redacted
  refresh <domain>              refresh stored credentials now
  stats                         summarize the skills directory
  serve [-addr host:port]       run the HTTP API
  version                       print the version

Run "apitap <command> -h" for command flags.
`

func usage() {
	fmt.Fprint(os.Stderr, usageText)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	name, rest := args[0], args[1:]

	switch name {
	case "version":
		fmt.Println("apitap", constants.GetFullVersion())
		return
	case "help":
		usage()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(err)
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	// Long-running commands log the configured way. One-shot commands
	// keep stdout clean for their own output and log to stderr.
	if name == "serve" || name == "capture" {
		if err := logging.Setup(cfg); err != nil {
			fail(err)
		}
	} else if level, perr := log.ParseLevel(cfg.Logging.Level); perr == nil {
		log.SetLevel(level)
	}

	ctx := context.Background()
	traceShutdown, err := tracing.Init(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	if traceShutdown != nil {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.WithError(err).Warn("failed to shut down tracing")
			}
		}()
	}

	a, err := newApp(cfg)
	if err != nil {
		fail(err)
	}

	switch name {
	case "list":
		err = a.cmdList(ctx, rest)
	case "inspect":
		err = a.cmdInspect(ctx, rest)
	case "search":
		err = a.cmdSearch(ctx, rest)
	case "replay":
		err = a.cmdReplay(ctx, rest)
	case "browse":
		err = a.cmdBrowse(ctx, rest)
	case "verify":
		err = a.cmdVerify(ctx, rest)
	case "import":
		err = a.cmdImport(ctx, rest)
	case "auth":
		err = a.cmdAuth(ctx, rest)
	case "refresh":
		err = a.cmdRefresh(ctx, rest)
	case "stats":
		err = a.cmdStats(ctx, rest)
	case "serve":
		err = a.cmdServe(ctx, rest)
	case "capture":
		err = a.cmdCapture(ctx, rest)
	default:
		fmt.Fprintf(os.Stderr, "apitap: unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fail(err)
	}
}

// fail prints the error and exits with a code matching its kind: 2 for
// input errors, 1 for everything else.
func fail(err error) {
	fmt.Fprintln(os.Stderr, "apitap:", err)
	if apierr.KindOf(err) == apierr.KindInput {
		os.Exit(2)
	}
	os.Exit(1)
}
