package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/jask/jaskledger/internal/config"
	"github.com/jask/jaskledger/internal/csvimport"
	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/events"
	"github.com/jask/jaskledger/internal/logger"
	"github.com/jask/jaskledger/internal/rules"
	"github.com/jask/jaskledger/internal/service"
)

const usage = `usage: jaskledger <command> [flags]

commands:
  ingest       ingest statement files
  watch        ingest files dropped into a directory
  rules        add | update | delete | list | apply
  search       list transactions matching a rule expression
  balance      record | recreate | history
  migrate-ids  re-key an account's transactions under new unique columns
  reset        wipe all data
  seed         load demo data
  serve        watch, consume batch events and run the reconcile schedule
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, lg)

	a, err := newApp(ctx, cfg, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("startup failed")
	}
	defer a.close()

	if err := a.dispatch(ctx, os.Args[1], os.Args[2:]); err != nil {
		lg.Error().Err(err).Str("command", os.Args[1]).Msg("command failed")
		a.close()
		os.Exit(1)
	}
}

// app holds the wired services shared by every command.
type app struct {
	cfg config.Config
	log zerolog.Logger
	db  *sql.DB

	queue       *service.ReclassifyQueue
	classifier  *service.Classifier
	ruleSvc     *service.RuleService
	ingest      *service.IngestService
	reconciler  *service.BalanceReconciler
	history     *service.HistoryService
	query       *service.QueryService
	maintenance *service.MaintenanceService

	publisher events.Publisher
	bus       *events.LocalBus
	closed    bool
}

func newApp(ctx context.Context, cfg config.Config, lg zerolog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	if err := database.RunMigrations(cfg.Database.Path, cfg.Database.MigrationsPath); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	var parser *rules.Parser
	if len(cfg.Rules.AllowedFields) > 0 {
		if parser, err = rules.NewParser(cfg.Rules.AllowedFields...); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	cache, err := rules.NewCache(parser, cfg.Rules.CacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &app{cfg: cfg, log: lg, db: db}
	a.queue = service.NewReclassifyQueue(cfg.Classifier.QueueSize, lg)
	if err := a.queue.Start(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	a.classifier = &service.Classifier{DB: db, Rules: cache, Log: lg}
	a.ruleSvc = &service.RuleService{DB: db, Rules: cache, Classifier: a.classifier, Queue: a.queue, Log: lg}
	a.ingest = &service.IngestService{DB: db, CreateMissingAccounts: cfg.Ingest.CreateMissingAccounts, Log: lg}
	a.reconciler = &service.BalanceReconciler{DB: db, Workers: cfg.Reconcile.Workers, Log: lg}
	a.history = &service.HistoryService{DB: db, Log: lg}
	a.query = &service.QueryService{DB: db, Rules: cache}
	a.maintenance = &service.MaintenanceService{DB: db, Log: lg}

	if len(cfg.Events.Brokers) > 0 {
		p, err := events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic, lg)
		if err != nil {
			a.close()
			return nil, err
		}
		a.publisher = p
	} else {
		// Without a broker the batch handler runs in-process.
		a.bus = events.NewLocalBus()
		if err := a.bus.Subscribe(ctx, a.postIngest().Handle); err != nil {
			a.close()
			return nil, err
		}
		a.publisher = a.bus
	}
	return a, nil
}

func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true
	if err := a.queue.Stop(context.Background()); err != nil {
		a.log.Warn().Err(err).Msg("stop reclassify queue")
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close publisher")
		}
	}
	_ = a.db.Close()
}

func (a *app) postIngest() *service.PostIngest {
	return &service.PostIngest{
		Classifier: a.classifier,
		Queue:      a.queue,
		Reconciler: a.reconciler,
		History:    repository.NewAccountHistoryRepo(a.db),
		Log:        a.log,
	}
}

// collector returns a batch collector parsing files with the configured CSV
// formats. A non-empty format name forces that format; account overrides the
// format's account.
func (a *app) collector(format, account string) *service.BatchCollector {
	return &service.BatchCollector{
		Ingest:    a.ingest,
		Parse:     a.parseFunc(format, account),
		Publisher: a.publisher,
		Log:       a.log,
	}
}

func (a *app) parseFunc(format, account string) service.ParseFunc {
	return func(path string) (service.Source, []service.Record, error) {
		var (
			f  csvimport.Format
			ok bool
		)
		if format != "" {
			f, ok = csvimport.ByName(a.cfg.Ingest.Formats, format)
		} else {
			f, ok = csvimport.Select(a.cfg.Ingest.Formats, path)
		}
		if !ok {
			return service.Source{}, nil, fmt.Errorf("no csv format matches %s", filepath.Base(path))
		}
		if account != "" {
			f.Account, f.AccountColumn = account, ""
		}
		file, err := os.Open(path)
		if err != nil {
			return service.Source{}, nil, err
		}
		defer file.Close()
		return f.Parse(file, path)
	}
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "ingest":
		return a.cmdIngest(ctx, args)
	case "watch":
		return a.cmdWatch(ctx, args)
	case "rules":
		return a.cmdRules(ctx, args)
	case "search":
		return a.cmdSearch(ctx, args)
	case "balance":
		return a.cmdBalance(ctx, args)
	case "migrate-ids":
		return a.cmdMigrateIDs(ctx, args)
	case "reset":
		return a.cmdReset(ctx, args)
	case "serve":
		return a.cmdServe(ctx, args)
	case "seed":
		return a.cmdSeed(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
