package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"breaksync/internal/agent"
	"breaksync/internal/api"
	"breaksync/internal/config"
	"breaksync/internal/history"
	"breaksync/internal/metrics"
	"breaksync/internal/model"
	"breaksync/internal/stunutil"
)

const usage = `breaksync - break timer agent with a shared activity log

Usage:
  breaksync run --config <path> [--name <name>] [--peers a,b] [--port <n>]
  breaksync init-config --config <path> [--force]
  breaksync status --config <path> [--json]
  breaksync claim --config <path>
  breaksync peers add|remove --config <path> <url>
  breaksync reconnect --config <path>
  breaksync disconnect --config <path>
  breaksync suspend|resume --config <path>
  breaksync stats --config <path> [--from YYYY-MM-DD] [--to YYYY-MM-DD]
  breaksync export csv --config <path> --out <file> [--from ..] [--to ..]
  breaksync discover --config <path>

Commands other than run, init-config, export and discover talk to the
control endpoint of a running agent (--addr overrides control.listen).
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "run":
		handleRun(os.Args[2:])
	case "init-config":
		handleInitConfig(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "claim":
		handleClaim(os.Args[2:])
	case "peers":
		handlePeers(os.Args[2:])
	case "reconnect":
		handleLinkCommand("reconnect", os.Args[2:])
	case "disconnect":
		handleLinkCommand("disconnect", os.Args[2:])
	case "suspend", "resume":
		handleLinkCommand(cmd, os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	case "discover":
		handleDiscover(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "", "node name")
	peers := fs.String("peers", "", "comma-separated peer URLs")
	port := fs.Int("port", 0, "link listen port")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	overrideRun(&cfg, *name, *peers, *port)
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	a, err := agent.New(cfg, agent.Options{})
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func overrideRun(cfg *config.Config, name, peers string, port int) {
	if name != "" {
		cfg.Node.Name = name
	}
	if peers != "" {
		cfg.Distribution.Peers = splitList(peers)
		cfg.Distribution.Enabled = true
	}
	if port != 0 {
		cfg.Distribution.Port = port
	}
}

func handleInitConfig(args []string) {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	if _, err := os.Stat(*configPath); err == nil && !*force {
		fatal(fmt.Errorf("%s exists (use --force)", *configPath))
	}

	var cfg config.Config
	config.ApplyDefaults(&cfg)
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", *configPath)
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	addr := fs.String("addr", "", "control address override")
	asJSON := fs.Bool("json", false, "print raw JSON")
	_ = fs.Parse(args)

	client := controlClient(*configPath, *addr)
	st, err := client.Status(context.Background())
	if err != nil {
		fatal(err)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		fatal(enc.Encode(st))
		return
	}
	printStatus(st)
}

func printStatus(st model.Status) {
	master := st.Master
	if st.IsMaster {
		master += " (self)"
	}
	fmt.Fprintf(os.Stdout, "node=%s id=%s state=%s activity=%s master=%s\n", st.Name, st.ID, st.Distribution, st.Activity, master)
	if st.Advertise != "" {
		fmt.Fprintf(os.Stdout, "advertise=%s\n", st.Advertise)
	}

	fmt.Fprintf(os.Stdout, "\n%-14s  %-8s  %-10s  %-10s  %-10s  %-10s\n", "TIMER", "STATE", "ELAPSED", "LIMIT", "IDLE", "OVERDUE")
	for _, t := range st.Timers {
		state := t.State
		if !t.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(os.Stdout, "%-14s  %-8s  %-10s  %-10s  %-10s  %-10s\n",
			t.ID, state, t.Elapsed.Round(time.Second), t.Limit, t.Idle.Round(time.Second), t.Overdue.Round(time.Second))
	}

	if len(st.Peers) > 0 || len(st.Configured) > 0 {
		fmt.Fprintf(os.Stdout, "\n%-28s  %-12s  %-8s  %-6s\n", "PEER", "STATE", "INBOUND", "MASTER")
		for _, p := range st.Peers {
			fmt.Fprintf(os.Stdout, "%-28s  %-12s  %-8t  %-6t\n", p.ID, p.State, p.Inbound, p.IsMaster)
		}
		fmt.Fprintf(os.Stdout, "configured: %s\n", strings.Join(st.Configured, ", "))
	}

	if len(st.Clients) > 0 {
		fmt.Fprintf(os.Stdout, "\n%-28s  %-10s  %-6s  %-10s\n", "CLIENT", "STATE", "MASTER", "ACTIVE")
		for _, c := range st.Clients {
			fmt.Fprintf(os.Stdout, "%-28s  %-10s  %-6t  %-10s\n", c.ID, c.State, c.Master, c.ActiveTime.Round(time.Second))
		}
	}
}

func handleClaim(args []string) {
	fs := flag.NewFlagSet("claim", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	addr := fs.String("addr", "", "control address override")
	_ = fs.Parse(args)

	resp, err := controlClient(*configPath, *addr).Claim(context.Background())
	if err != nil {
		fatal(err)
	}
	if resp.Master {
		fmt.Fprintln(os.Stdout, "this node is master")
		return
	}
	fmt.Fprintf(os.Stdout, "claim sent master=%s\n", resp.MasterID)
}

func handlePeers(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "peers subcommand required\n")
		os.Exit(2)
	}
	sub := args[0]
	if sub != "add" && sub != "remove" {
		fmt.Fprintf(os.Stderr, "unknown peers subcommand %q\n", sub)
		os.Exit(2)
	}

	fs := flag.NewFlagSet("peers "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	addr := fs.String("addr", "", "control address override")
	_ = fs.Parse(args[1:])
	if fs.NArg() != 1 {
		fatal(errors.New("exactly one peer URL is required"))
	}

	client := controlClient(*configPath, *addr)
	var resp api.PeerResponse
	var err error
	if sub == "add" {
		resp, err = client.AddPeer(context.Background(), fs.Arg(0))
	} else {
		resp, err = client.RemovePeer(context.Background(), fs.Arg(0))
	}
	if err != nil {
		fatal(err)
	}
	if !resp.Changed {
		fmt.Fprintln(os.Stdout, "peer list unchanged")
	}
	for _, p := range resp.Peers {
		fmt.Fprintln(os.Stdout, p)
	}
}

func handleLinkCommand(name string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	addr := fs.String("addr", "", "control address override")
	_ = fs.Parse(args)

	client := controlClient(*configPath, *addr)
	var err error
	switch name {
	case "reconnect":
		err = client.Reconnect(context.Background())
	case "disconnect":
		err = client.Disconnect(context.Background())
	case "suspend":
		err = client.Suspend(context.Background())
	case "resume":
		err = client.Resume(context.Background())
	}
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "%s ok\n", name)
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	addr := fs.String("addr", "", "control address override")
	from := fs.String("from", "", "first day (YYYY-MM-DD)")
	to := fs.String("to", "", "last day (YYYY-MM-DD)")
	_ = fs.Parse(args)

	resp, err := controlClient(*configPath, *addr).History(context.Background(), *from, *to)
	if err != nil {
		fatal(err)
	}
	s := resp.Summary
	if s.Count == 0 {
		fmt.Fprintln(os.Stdout, "no days in range")
		return
	}

	fmt.Fprintf(os.Stdout, "days=%d from=%s to=%s\n", s.Count, s.From, s.To)
	fmt.Fprintf(os.Stdout, "active total=%s avg=%s p95=%s min=%s max=%s\n",
		s.TotalActive, s.AvgActive.Round(time.Second), s.P95Active.Round(time.Second), s.MinActive, s.MaxActive)
	fmt.Fprintf(os.Stdout, "input avg keystrokes=%.0f clicks=%.0f\n", s.AvgKeystrokes, s.AvgClicks)
	fmt.Fprintf(os.Stdout, "breaks prompted=%d taken=%d compliance=%.0f%% overdue=%s\n",
		s.Prompts, s.BreaksTaken, s.Compliance*100, s.Overdue)
}

func handleExport(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "export subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	out := fs.String("out", "", "output file")
	path := fs.String("path", "", "history database override")
	from := fs.String("from", "0000-01-01", "first day (YYYY-MM-DD)")
	to := fs.String("to", "9999-12-31", "last day (YYYY-MM-DD)")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	config.ApplyDefaults(&cfg)
	dbPath := cfg.History.Path
	if *path != "" {
		dbPath = *path
	}

	hist, err := history.New(dbPath)
	if err != nil {
		fatal(err)
	}
	defer hist.Close()

	days, err := hist.Range(*from, *to)
	if err != nil {
		fatal(err)
	}

	f, err := os.Create(*out)
	if err != nil {
		fatal(err)
	}
	if err := metrics.WriteCSV(f, days); err != nil {
		f.Close()
		fatal(err)
	}
	if err := f.Close(); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "exported %d days to %s\n", len(days), *out)
}

func handleDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	timeout := fs.Duration("timeout", stunutil.DefaultTimeout, "probe timeout")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if *stunList != "" {
		cfg.Distribution.STUNServers = splitList(*stunList)
	}
	config.ApplyDefaults(&cfg)
	if len(cfg.Distribution.STUNServers) == 0 {
		fatal(errors.New("distribution.stun_servers is required"))
	}

	d, err := stunutil.Discover(context.Background(), cfg.Distribution.STUNServers, cfg.Distribution.Port, *timeout)
	for _, m := range d.Mappings {
		if m.Err != nil {
			fmt.Fprintf(os.Stdout, "%-28s  error: %v\n", m.Server, m.Err)
			continue
		}
		fmt.Fprintf(os.Stdout, "%-28s  %s\n", m.Server, m.Addr)
	}
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "mapped=%s nat=%s advertise=%s\n", d.Mapped, d.NATType, d.Advertise)
}

func controlClient(configPath, addr string) *api.Client {
	if addr == "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			fatal(err)
		}
		config.ApplyDefaults(&cfg)
		addr = cfg.Control.Listen
	}
	return api.NewClient(addr)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
