package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/api"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/classify"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/config"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/extract"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/fetch"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/images"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/importer"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/logging"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/metrics"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/model"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/monitor"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/store"
)

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "init":
		cmdInit()
	case "serve":
		cmdServe()
	case "run":
		cmdRun()
	case "import":
		cmdImport()
	case "status":
		cmdStatus()
	default:
		printHelp()
	}
}

func printBanner() {
	const cyan = "\033[36m"
	const yellow = "\033[33m"
	const reset = "\033[0m"
	fmt.Print("" +
		cyan + "  ╔══════════════════════════════╗\n" + reset +
		cyan + "  ║  " + reset + "EVENT MONITOR" + cyan + "               ║\n" + reset +
		cyan + "  ╚══════════════════════════════╝\n" + reset +
		yellow + "  club poster watcher and extractor\n" + reset)
}

func printHelp() {
	printBanner()
	fmt.Println("Usage: eventmonitor <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init     Create a config file at ./eventmonitor.yaml")
	fmt.Println("  serve    Run the API server and monitoring scheduler")
	fmt.Println("  run      Execute one monitoring pass and print the result")
	fmt.Println("  import   Load account rows from a CSV file")
	fmt.Println("  status   Print monitor status and store counters")
}

func fatal(err error) {
	fmt.Println("error:", err)
	os.Exit(1)
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", "./eventmonitor.yaml", "path to write config")
	_ = fs.Parse(os.Args[2:])
	if err := config.Save(*path, config.Default()); err != nil {
		fatal(err)
	}
	abs, _ := filepath.Abs(*path)
	printBanner()
	fmt.Println("Config written to:", abs)
}

// app bundles everything a command needs once wiring is done.
type app struct {
	cfg      config.Config
	db       *store.DB
	scraper  *fetch.ScraperClient
	actor    *fetch.ActorClient
	aiClient *extract.Client
	coord    *extract.Coordinator
	svc      *monitor.Service
	defaults model.Settings
}

func buildApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}

	scraper := fetch.NewScraperClient(cfg.Scraper.RequestsPerSecond, cfg.Scraper.Burst)
	if payload, err := os.ReadFile(cfg.Scraper.SessionFile); err == nil {
		if cookies := fetch.ParseCookieInput(string(payload)); len(cookies) > 0 {
			scraper.SetSession(cookies)
			logging.Info("session loaded from file", logging.Fields{"path": cfg.Scraper.SessionFile})
		}
	}
	actor := fetch.NewActorClient(cfg.Actor.BaseURL, time.Duration(cfg.Actor.TimeoutSeconds)*time.Second)
	selector := fetch.NewSelector(scraper, actor, fetch.NewBackoffTracker(time.Duration(cfg.Monitor.BackoffMinutes)*time.Minute))

	cache, err := images.NewCache(cfg.Images.Dir)
	if err != nil {
		db.Close()
		return nil, err
	}
	aiClient := extract.NewClient(cfg.AI.BaseURL, cfg.AI.Model)
	aiClient.SetKey(cfg.AI.APIKey)
	coord := extract.NewCoordinator(db, cache, aiClient)

	svc := monitor.New(db, selector, classify.NewKeywordClassifier(), coord, cfg.Monitor)

	a := &app{
		cfg:      cfg,
		db:       db,
		scraper:  scraper,
		actor:    actor,
		aiClient: aiClient,
		coord:    coord,
		svc:      svc,
		defaults: model.Settings{
			MonitoringEnabled:  true,
			IntervalMinutes:    cfg.Monitor.IntervalMinutes,
			ClassificationMode: model.ModeAuto,
			FetcherMode:        model.FetcherAuto,
			FetchDelaySeconds:  cfg.Monitor.FetchDelaySeconds,
			ActorToken:         cfg.Actor.Token,
			ActorID:            cfg.Actor.ActorID,
			AIAPIKey:           cfg.AI.APIKey,
		},
	}
	svc.ApplySettings = a.applySettings
	return a, nil
}

// applySettings pushes stored settings into the live adapters. Config file
// values act as fallbacks when the settings row carries no credential.
func (a *app) applySettings(s model.Settings) {
	token, actorID := s.ActorToken, s.ActorID
	if token == "" {
		token = a.cfg.Actor.Token
	}
	if actorID == "" {
		actorID = a.cfg.Actor.ActorID
	}
	a.actor.Configure(token, actorID, s.ActorSyncEnabled)

	key := s.AIAPIKey
	if key == "" {
		key = a.cfg.AI.APIKey
	}
	a.aiClient.SetKey(key)
}

func (a *app) close() { a.db.Close() }

func cmdServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "./eventmonitor.yaml", "config path")
	addr := fs.String("addr", "", "listen address override")
	_ = fs.Parse(os.Args[2:])

	a, err := buildApp(*cfgPath)
	if err != nil {
		fatal(err)
	}
	defer a.close()

	ctx := context.Background()
	settings, err := a.db.Settings(ctx, a.defaults)
	if err != nil {
		fatal(err)
	}
	a.applySettings(settings)

	if a.cfg.Server.MetricsAddr != "" {
		metrics.StartServer(a.cfg.Server.MetricsAddr)
	}
	if settings.MonitoringEnabled {
		if err := a.svc.Start(settings.IntervalMinutes); err != nil {
			fatal(err)
		}
	}

	listen := a.cfg.Server.Addr
	if *addr != "" {
		listen = *addr
	}
	printBanner()
	srv := api.New(a.db, a.svc, a.coord, a.scraper, a.defaults, a.applySettings)
	logging.Info("api listening", logging.Fields{"addr": listen})
	if err := srv.Router().Run(listen); err != nil {
		fatal(err)
	}
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./eventmonitor.yaml", "config path")
	count := fs.Int("count", 0, "posts per club (0 = default)")
	_ = fs.Parse(os.Args[2:])

	a, err := buildApp(*cfgPath)
	if err != nil {
		fatal(err)
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	res, err := a.svc.RunOnce(ctx, monitor.Options{Count: *count, Handles: fs.Args()})
	if err != nil {
		fatal(err)
	}
	fmt.Printf("pass %s: %d clubs checked, %d new posts, %d errors in %s\n",
		res.PassID, res.ClubsChecked, res.NewPosts, res.ClubErrors,
		res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	for _, w := range res.Warnings {
		fmt.Println("warning:", w)
	}
	printStats(ctx, a)
}

func cmdImport() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	cfgPath := fs.String("config", "./eventmonitor.yaml", "config path")
	file := fs.String("file", "", "CSV file of accounts")
	_ = fs.Parse(os.Args[2:])
	if *file == "" {
		fmt.Println("error: -file is required")
		os.Exit(1)
	}

	a, err := buildApp(*cfgPath)
	if err != nil {
		fatal(err)
	}
	defer a.close()

	f, err := os.Open(*file)
	if err != nil {
		fatal(err)
	}
	defer f.Close()

	res, err := importer.ImportCSV(context.Background(), a.db, f)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("imported: %d created, %d updated, %d skipped\n", res.Created, res.Updated, res.Skipped)
	for _, e := range res.Errors {
		fmt.Println("  ", e)
	}
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", "./eventmonitor.yaml", "config path")
	_ = fs.Parse(os.Args[2:])

	a, err := buildApp(*cfgPath)
	if err != nil {
		fatal(err)
	}
	defer a.close()

	ctx := context.Background()
	st, err := a.svc.Status(ctx)
	if err != nil {
		fatal(err)
	}
	printBanner()
	fmt.Printf("interval: %dm  fetcher: %s (%s active)\n", st.IntervalMinutes, st.FetcherMode, st.ActiveAdapter)
	if st.LastRun != nil {
		fmt.Println("last run:", st.LastRun.Format(time.RFC3339))
	}
	if st.LastError != "" {
		fmt.Println("last error:", st.LastError)
	}
	if st.RateLimited && st.RateLimitUntil != nil {
		fmt.Println("rate limited until:", st.RateLimitUntil.Format(time.RFC3339))
	}
	printStats(ctx, a)
}

func printStats(ctx context.Context, a *app) {
	stats, err := a.db.Stats(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("clubs: %d (%d active)  posts: %d (%d pending, %d events)  extracted: %d\n",
		stats.TotalClubs, stats.ActiveClubs, stats.TotalPosts, stats.PendingPosts, stats.EventPosts, stats.ProcessedEvents)
}
