package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"calsync/internal/approval"
	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/normalize"
	"calsync/internal/portal"
	"calsync/internal/source"
	syncpkg "calsync/internal/sync"
	"calsync/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	days       int
	debug      bool
}

func main() {
	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	appLog.Info("calsync starting", "version", "0.1.0")

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.days > 0 {
		conf.HorizonDays = flags.days
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	loc, err := time.LoadLocation(conf.Timezone)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "timezone", conf.Timezone)
		loc = time.Local
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"horizon_days", conf.HorizonDays,
		"refresh", conf.RefreshCron,
		"primary", conf.Primary.Origin,
		"secondary", conf.Secondary.Origin,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	primary := source.NewHTTPSource(conf.Primary.Name, model.Origin(conf.Primary.Origin), conf.Primary.URL, loc)
	secondary := source.NewHTTPSource(conf.Secondary.Name, model.Origin(conf.Secondary.Origin), conf.Secondary.URL, loc)

	browser, err := portal.NewChromeBrowser(ctx, portal.ChromeOptions{
		BaseURL:  conf.Portal.URL,
		Username: conf.Portal.Username,
		Password: conf.Portal.Password,
		Headless: conf.Portal.Headless,
	})
	if err != nil {
		appLog.Error("failed to prepare portal browser", err)
		os.Exit(1)
	}
	defer browser.Close()

	driver := portal.NewDriver(browser,
		normalize.RedactTitle(conf.RedactedTitle),
		time.Duration(conf.Portal.StepTimeoutSeconds)*time.Second)

	orch := syncpkg.NewOrchestrator(primary, secondary, approval.NewEngine(nil), driver, nil)

	if flags.once {
		if err := runOnce(ctx, orch, conf); err != nil {
			appLog.Error("sync run failed", err)
			os.Exit(1)
		}
		return
	}

	runDaemon(ctx, orch, conf)
	appLog.Info("calsync exiting")
}

// runOnce performs a single interactive sync: stage candidates, ask on
// stdin, apply, print the report.
func runOnce(ctx context.Context, orch *syncpkg.Orchestrator, conf *config.Config) error {
	horizon := time.Duration(conf.HorizonDays) * 24 * time.Hour

	req, err := orch.Begin(ctx, horizon)
	if err != nil {
		return err
	}
	if req == nil {
		fmt.Println("Nothing to sync: every event is already represented.")
		return nil
	}

	fmt.Printf("%d event(s) need a busy block:\n", len(req.Candidates))
	for i, cand := range req.Candidates {
		line := fmt.Sprintf("  %d. [%s] %s  %s - %s",
			i+1,
			cand.Event.Origin,
			cand.Event.Title,
			cand.Event.Start.Format("Mon Jan 2 15:04"),
			cand.Event.End.Format("15:04"))
		if cand.DuplicateOf != nil {
			line += fmt.Sprintf("  (overlaps existing %s - %s)",
				cand.DuplicateOf.Start.Format("15:04"),
				cand.DuplicateOf.End.Format("15:04"))
		}
		fmt.Println(line)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("Select events to block ('all', indices like '1,3', empty for none, 'q' to abandon): ")
		if !scanner.Scan() {
			// stdin closed: treat as session end, never a partial apply.
			return orch.Abandon()
		}
		selector := scanner.Text()
		if selector == "q" || selector == "quit" {
			return orch.Abandon()
		}

		report, err := orch.Complete(ctx, selector)
		if err != nil {
			var invalid *approval.InvalidSelectionError
			if errors.As(err, &invalid) {
				fmt.Printf("  %v\n", err)
				continue
			}
			return err
		}

		printReport(report)
		return nil
	}
}

func printReport(report model.RunReport) {
	fmt.Printf("Run %s: %d blocked, %d already present, %d failed\n",
		report.RunID, report.Blocked, report.AlreadyPresent, report.Failed)
	for _, o := range report.Outcomes {
		switch o.Result {
		case model.ResultFailed:
			fmt.Printf("  %s: FAILED (%s)\n", o.EventRef, o.ErrorDetail)
		default:
			fmt.Printf("  %s: %s\n", o.EventRef, o.Result)
		}
	}
}

// runDaemon serves the HTTP API and schedules automatic sync passes. A
// scheduled pass only stages candidates; the writes always wait for a
// human decision over /api/approve.
func runDaemon(ctx context.Context, orch *syncpkg.Orchestrator, conf *config.Config) {
	srv := &http.Server{
		Addr:    conf.Listen,
		Handler: web.NewServer(conf, orch).Handler(),
	}

	c := cron.New()
	_, err := c.AddFunc(conf.RefreshCron, func() {
		horizon := time.Duration(conf.HorizonDays) * 24 * time.Hour
		req, err := orch.Begin(ctx, horizon)
		switch {
		case errors.Is(err, approval.ErrApprovalInProgress):
			appLog.Warn("scheduled sync skipped: earlier run still awaits a decision")
		case err != nil:
			appLog.Error("scheduled sync failed", err)
		case req == nil:
			appLog.Info("scheduled sync found nothing to do")
		default:
			appLog.Info("scheduled sync awaiting decision", "candidates", len(req.Candidates))
		}
	})
	if err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
	} else {
		c.Start()
		defer c.Stop()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLog.Error("HTTP shutdown failed", err)
		}
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		appLog.Error("HTTP server failed", err)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/calsync/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one interactive sync on stdin and exit")
	flag.IntVar(&cfg.days, "days", 0, "Sync horizon in days (overrides config if > 0)")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
