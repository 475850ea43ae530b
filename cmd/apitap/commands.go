package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"apitap/internal/apierr"
	"apitap/internal/browse"
	"apitap/internal/constants"
	"apitap/internal/skill"
	"apitap/internal/stats"
)

// paramsFlag collects repeatable -param k=v flags.
type paramsFlag map[string]any

func (p paramsFlag) String() string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (p paramsFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected k=v, got %q", v)
	}
	p[k] = val
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Println(string(data))
	return err
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func tierLabel(ep *skill.Endpoint) string {
	if ep.Tier == nil || ep.Tier.Level == "" {
		return skill.TierUnknown
	}
	return ep.Tier.Level
}

func (a *app) cmdList(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit JSON")
	fs.Parse(args)
	if fs.NArg() != 0 {
		return apierr.Inputf("list takes no arguments")
	}

	domains, err := a.store.List()
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(map[string]any{"domains": domains, "count": len(domains)})
	}
	if len(domains) == 0 {
		fmt.Println("no skill files yet; run: apitap capture <domain>")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "DOMAIN\tENDPOINTS\tVERIFIED\tCAPTURED")
	for _, domain := range domains {
		sf, err := a.store.Read(domain, false)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t-\tunreadable: %v\n", domain, err)
			continue
		}
		verified := 0
		for _, ep := range sf.Endpoints {
			if ep.Tier != nil && ep.Tier.Verified {
				verified++
			}
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
			domain, len(sf.Endpoints), verified,
			sf.CapturedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func (a *app) cmdInspect(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	noVerify := fs.Bool("no-verify", false, "skip signature verification")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return apierr.Inputf("usage: apitap inspect <domain>")
	}

	sf, err := a.store.Read(fs.Arg(0), !*noVerify)
	if err != nil {
		return err
	}
	return printJSON(sf)
}

func (a *app) cmdSearch(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return apierr.Inputf("usage: apitap search <term>")
	}
	term := strings.ToLower(fs.Arg(0))

	domains, err := a.store.List()
	if err != nil {
		return err
	}
	w := newTable()
	matches := 0
	for _, domain := range domains {
		sf, err := a.store.Read(domain, false)
		if err != nil {
			continue
		}
		for _, ep := range sf.Endpoints {
			if !endpointMatches(domain, ep, term) {
				continue
			}
			matches++
			fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\n", domain, ep.ID, ep.Method, ep.Path, tierLabel(ep))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if matches == 0 {
		fmt.Printf("no endpoints match %q\n", fs.Arg(0))
	}
	return nil
}

func endpointMatches(domain string, ep *skill.Endpoint, term string) bool {
	for _, s := range []string{domain, ep.ID, ep.Path, ep.Operation, ep.Method} {
		if s != "" && strings.Contains(strings.ToLower(s), term) {
			return true
		}
	}
	return false
}

func (a *app) cmdReplay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	params := paramsFlag{}
	fs.Var(params, "param", "parameter override as k=v (repeatable)")
	fresh := fs.Bool("fresh", false, "refresh credentials before replaying")
	maxBytes := fs.Int("max-bytes", 0, "truncate the response body after this many bytes")
	timeout := fs.Duration("timeout", 0, "per-request timeout")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return apierr.Inputf("usage: apitap replay <domain> <endpointId> [-param k=v]")
	}

	sf, err := a.store.Read(fs.Arg(0), true)
	if err != nil {
		return err
	}
	opts := a.replayOpts()
	opts.Params = params
	opts.Fresh = *fresh
	if *maxBytes > 0 {
		opts.MaxBytes = *maxBytes
	}
	if *timeout > 0 {
		opts.Timeout = *timeout
	}

	res, err := a.engine.Replay(ctx, sf, fs.Arg(1), opts)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func (a *app) cmdBrowse(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("browse", flag.ExitOnError)
	params := paramsFlag{}
	fs.Var(params, "param", "parameter override as k=v (repeatable)")
	fresh := fs.Bool("fresh", false, "refresh credentials before replaying")
	noCache := fs.Bool("no-cache", false, "bypass the session cache")
	maxBytes := fs.Int("max-bytes", 0, "truncate the response body after this many bytes")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return apierr.Inputf("usage: apitap browse <url>")
	}

	limit := *maxBytes
	if limit == 0 {
		limit = a.cfg.Replay.MaxBytes
	}
	res, err := a.buildBrowser(a.buildCache()).Browse(ctx, fs.Arg(0), browse.Options{
		Params:   params,
		Fresh:    *fresh,
		NoCache:  *noCache,
		MaxBytes: limit,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func (a *app) cmdVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	timeout := fs.Duration("timeout", 0, "per-request timeout")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return apierr.Inputf("usage: apitap verify <domain|file>")
	}
	target := fs.Arg(0)

	// A path that exists on disk is checked offline. Anything else is
	// treated as a captured domain and verified live.
	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		data, err := os.ReadFile(target)
		if err != nil {
			return apierr.Wrap(apierr.KindIO, "read skill file", err)
		}
		sf, state, err := a.store.Validate(data)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d endpoints, schema %s, signature %s\n",
			sf.Domain, len(sf.Endpoints), sf.Version, state)
		return nil
	}

	sf, err := a.store.Read(target, true)
	if err != nil {
		return err
	}
	opts := a.replayOpts()
	if *timeout > 0 {
		opts.Timeout = *timeout
	}
	verifications := a.engine.VerifyEndpoints(ctx, sf, opts)
	if err := a.store.Write(sf); err != nil {
		return err
	}

	w := newTable()
	for _, v := range verifications {
		switch {
		case v.Skipped:
			fmt.Fprintf(w, "%s\tskipped\tnon-GET\n", v.EndpointID)
		case v.Error != "":
			fmt.Fprintf(w, "%s\t%s\t%s\n", v.EndpointID, v.Tier, v.Error)
		default:
			fmt.Fprintf(w, "%s\t%s\thttp %d\n", v.EndpointID, v.Tier, v.Status)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("updated %s\n", a.store.Path(sf.Domain))
	return nil
}

func (a *app) cmdImport(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return apierr.Inputf(`usage: apitap import <file> ("-" reads stdin)`)
	}

	var (
		data []byte
		err  error
	)
	if fs.Arg(0) == "-" {
		data, err = io.ReadAll(io.LimitReader(os.Stdin, constants.SkillImportCap))
	} else {
		data, err = os.ReadFile(fs.Arg(0))
	}
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "read import file", err)
	}

	sf, err := a.store.Import(data)
	if err != nil {
		return err
	}
	fmt.Printf("imported %s (%d endpoints) -> %s\n",
		sf.Domain, len(sf.Endpoints), a.store.Path(sf.Domain))
	return nil
}

func (a *app) cmdAuth(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("auth", flag.ExitOnError)
	clear := fs.Bool("clear", false, "delete the domain's stored credentials")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return apierr.Inputf("usage: apitap auth <domain>")
	}
	domain := fs.Arg(0)

	if *clear {
		if err := a.vault.Clear(domain); err != nil {
			return err
		}
		fmt.Printf("cleared stored credentials for %s\n", domain)
		return nil
	}

	auth := a.vault.Retrieve(domain)
	if auth == nil {
		fmt.Printf("no stored credentials for %s\n", domain)
		return nil
	}
	fmt.Printf("domain: %s\n", domain)
	fmt.Printf("type: %s\n", auth.Type)
	if auth.HeaderName != "" {
		fmt.Printf("header: %s\n", auth.HeaderName)
	}
	if auth.Value != "" {
		fmt.Printf("value: %s\n", redact(auth.Value))
	}
	if len(auth.Tokens) > 0 {
		names := make([]string, 0, len(auth.Tokens))
		for name := range auth.Tokens {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Printf("page tokens: %s\n", strings.Join(names, ", "))
	}
	if auth.Session != nil {
		fmt.Printf("browser session: %d cookies, saved %s\n",
			len(auth.Session.Cookies), auth.Session.SavedAt.Local().Format(time.RFC3339))
	}
	if auth.OAuth != nil && auth.OAuth.RefreshToken != "" {
		fmt.Println("oauth: refresh token stored")
	}
	return nil
}

// redact keeps enough of a credential to recognize it and no more.
func redact(v string) string {
	if len(v) <= 8 {
		return "********"
	}
	return fmt.Sprintf("%s... (%d chars)", v[:4], len(v))
}

func (a *app) cmdRefresh(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return apierr.Inputf("usage: apitap refresh <domain>")
	}
	domain := fs.Arg(0)

	// The skill file contributes the OAuth config when it has one; the
	// secrets themselves stay in the vault.
	var oauthCfg *skill.OAuthConfig
	if sf, err := a.store.Read(domain, false); err == nil && sf.Auth != nil {
		oauthCfg = sf.Auth.OAuth
	}

	res, err := a.dispatcher.Refresh(ctx, domain, oauthCfg)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func (a *app) cmdStats(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit the full snapshot as JSON")
	fs.Parse(args)
	if fs.NArg() != 0 {
		return apierr.Inputf("stats takes no arguments")
	}

	snap, err := stats.NewCollector(a.store).Snapshot()
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(snap)
	}

	fmt.Printf("skill files: %d\n", snap.SkillFiles)
	if snap.Unreadable > 0 {
		fmt.Printf("unreadable: %d\n", snap.Unreadable)
	}
	fmt.Printf("endpoints: %d (%d verified, %d graphql)\n",
		snap.Endpoints, snap.Verified, snap.GraphQLOperations)
	fmt.Printf("captured exchanges: %d\n", snap.CaptureCount)

	order := []string{skill.TierGreen, skill.TierYellow, skill.TierOrange, skill.TierRed, skill.TierUnknown}
	parts := make([]string, 0, len(order))
	for _, tier := range order {
		if n := snap.Tiers[tier]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", tier, n))
		}
	}
	if len(parts) > 0 {
		fmt.Printf("tiers: %s\n", strings.Join(parts, " "))
	}
	if snap.NetworkBytes > 0 {
		fmt.Printf("browser traffic: %s over %d requests\n",
			humanBytes(snap.NetworkBytes), snap.BrowserRequests)
	}
	if !snap.LastCapturedAt.IsZero() {
		fmt.Printf("last capture: %s\n", snap.LastCapturedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
