package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/events"
	"github.com/jask/jaskledger/internal/sampledata"
	"github.com/jask/jaskledger/internal/service"
	"github.com/jask/jaskledger/internal/watcher"
)

func (a *app) cmdIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	format := fs.String("format", "", "csv format name (default: match by file name)")
	account := fs.String("account", "", "account id overriding the format's account")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("ingest: no files given")
	}

	c := a.collector(*format, *account)
	failed := 0
	for _, path := range fs.Args() {
		res, err := c.ProcessFile(ctx, path)
		if err != nil {
			failed++
			a.log.Error().Err(err).Str("file", path).Msg("ingest failed")
			continue
		}
		printResults(res)
	}
	if _, err := c.Flush(ctx); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, fs.NArg())
	}
	return nil
}

func printResults(res service.ParseResults) {
	fmt.Printf("%s [%s]: %d lines, %d inserted, %d skipped, %d invalid\n",
		res.File, res.Parser, res.Lines, res.Inserted, res.Skipped, res.Invalid)
	if !res.Dates.Inserted.IsZero() {
		fmt.Printf("  inserted %s .. %s\n", res.Dates.Inserted.Min.Format(time.DateOnly), res.Dates.Inserted.Max.Format(time.DateOnly))
	}
	for _, p := range res.Problems {
		fmt.Printf("  %s\n", p)
	}
}

func (a *app) newWatcher(dir string) *watcher.Watcher {
	c := a.collector("", "")
	return &watcher.Watcher{
		Dir:   dir,
		Quiet: a.cfg.Ingest.QuietPeriod,
		Process: func(ctx context.Context, path string) error {
			res, err := c.ProcessFile(ctx, path)
			if err == nil {
				printResults(res)
			}
			return err
		},
		OnQuiet: func(ctx context.Context) {
			if _, err := c.Flush(ctx); err != nil {
				a.log.Error().Err(err).Msg("batch flush failed")
			}
		},
		Log: a.log.With().Str("component", "watcher").Logger(),
	}
}

func (a *app) watchDir(fs *flag.FlagSet, args []string) (string, error) {
	dir := fs.String("dir", a.cfg.Ingest.WatchDir, "directory to watch")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *dir == "" {
		return "", errors.New("no watch directory: set -dir or ingest.watch_dir")
	}
	return *dir, nil
}

func (a *app) cmdWatch(ctx context.Context, args []string) error {
	dir, err := a.watchDir(flag.NewFlagSet("watch", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	return a.newWatcher(dir).Run(ctx)
}

// cmdServe runs the watcher, the batch subscriber when a broker is
// configured, and the reconcile schedule until interrupted.
func (a *app) cmdServe(ctx context.Context, args []string) error {
	dir, err := a.watchDir(flag.NewFlagSet("serve", flag.ContinueOnError), args)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.newWatcher(dir).Run(ctx) })

	if len(a.cfg.Events.Brokers) > 0 {
		sub, err := events.NewKafkaSubscriber(a.cfg.Events.Brokers, a.cfg.Events.Topic, a.cfg.Events.GroupID, a.log)
		if err != nil {
			return err
		}
		defer sub.Close()
		if err := sub.Subscribe(ctx, a.postIngest().Handle); err != nil {
			return err
		}
	}

	if a.cfg.Reconcile.Schedule != "" {
		loc, err := a.cfg.Reconcile.Location()
		if err != nil {
			return err
		}
		c := cron.New(cron.WithLocation(loc))
		if _, err := c.AddFunc(a.cfg.Reconcile.Schedule, func() { a.projectAnchored(ctx) }); err != nil {
			return fmt.Errorf("reconcile schedule: %w", err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		a.log.Info().Str("schedule", a.cfg.Reconcile.Schedule).Msg("reconcile schedule started")
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// projectAnchored extends every anchored account's derived balances to now.
func (a *app) projectAnchored(ctx context.Context) {
	accounts, err := repository.NewAccountRepo(a.db).List(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("list accounts")
		return
	}
	ids := make([]string, 0, len(accounts))
	for _, acct := range accounts {
		ids = append(ids, acct.ID)
	}
	anchored, err := repository.NewAccountHistoryRepo(a.db).AccountsWithAnchors(ctx, ids)
	if err != nil {
		a.log.Error().Err(err).Msg("find anchored accounts")
		return
	}
	for _, id := range anchored {
		if _, err := a.reconciler.ProjectToNow(ctx, id); err != nil {
			a.log.Error().Err(err).Str("account_id", id).Msg("scheduled projection failed")
		}
	}
}

func (a *app) cmdRules(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("rules: expected add, update, delete, list or apply")
	}
	sub, args := args[0], args[1:]
	fs := flag.NewFlagSet("rules "+sub, flag.ContinueOnError)
	id := fs.Int64("id", 0, "rule id")
	rule := fs.String("rule", "", "rule expression")
	group := fs.String("group", "", "rule group")
	tags := fs.String("tags", "", "comma separated tags")
	party := fs.String("party", "", "comma separated parties")
	comment := fs.String("comment", "", "comment")
	dryRun := fs.String("dry-run", "", "expression to evaluate without writing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	in := service.RuleInput{Rule: *rule, Group: *group, Tags: splitList(*tags), Party: splitList(*party), Comment: *comment}

	var job *service.ReclassifyJob
	switch sub {
	case "add":
		r, j, err := a.ruleSvc.Create(ctx, in)
		if err != nil {
			return err
		}
		fmt.Printf("rule %d created\n", r.ID)
		job = j
	case "update":
		r, j, err := a.ruleSvc.Update(ctx, *id, in)
		if err != nil {
			return err
		}
		fmt.Printf("rule %d updated\n", r.ID)
		job = j
	case "delete":
		j, err := a.ruleSvc.Delete(ctx, *id)
		if err != nil {
			return err
		}
		fmt.Printf("rule %d deleted\n", *id)
		job = j
	case "list":
		list, err := a.ruleSvc.List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tRULE\tTAGS\tPARTY\tTRANSACTIONS")
		for _, r := range list {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", r.ID, r.Rule.Rule, strings.Join(r.Tags, ","), strings.Join(r.Party, ","), r.Transactions)
		}
		return w.Flush()
	case "apply":
		if *dryRun != "" {
			views, err := a.query.DryRun(ctx, *dryRun, nil)
			if err != nil {
				return err
			}
			printViews(views)
			return nil
		}
		j, err := a.ruleSvc.ReapplyAll(ctx)
		if err != nil {
			return err
		}
		job = j
	default:
		return fmt.Errorf("rules: unknown subcommand %q", sub)
	}

	summary, err := job.Wait(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("reclassified: %d matches across %d rules, %d failed\n", summary.TotalMatched, len(summary.Rules), summary.FailedRules)
	for _, o := range summary.Rules {
		if o.Err != nil {
			fmt.Printf("  rule %d: %v\n", o.RuleID, o.Err)
		}
	}
	return nil
}

func (a *app) cmdSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	limit := fs.Int("limit", service.DefaultSearchLimit, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	views, err := a.query.Search(ctx, strings.Join(fs.Args(), " "), *limit)
	if err != nil {
		return err
	}
	printViews(views)
	return nil
}

func printViews(views []repository.TransactionView) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tACCOUNT\tDESCRIPTION\tAMOUNT\tTAGS")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			v.Datetime.Format(time.DateOnly), v.Account.String, v.Description.String, v.Amount.StringFixed(2), v.Tags.String)
	}
	_ = w.Flush()
	fmt.Printf("%d transactions\n", len(views))
}

func (a *app) cmdBalance(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("balance: expected record, recreate or history")
	}
	sub, args := args[0], args[1:]
	fs := flag.NewFlagSet("balance "+sub, flag.ContinueOnError)
	account := fs.String("account", "", "account id")
	at := fs.String("at", "", "balance time, RFC3339 or YYYY-MM-DD")
	amount := fs.String("balance", "", "balance amount")
	note := fs.String("note", "", "note stored with the balance")
	from := fs.String("from", "", "history start")
	to := fs.String("to", "", "history end")
	interpolate := fs.Bool("interpolate", false, "resample onto a regular grid")
	if err := fs.Parse(args); err != nil {
		return err
	}
	loc, err := a.cfg.Reconcile.Location()
	if err != nil {
		return err
	}

	switch sub {
	case "record":
		when, bal, err := parseBalance(*at, *amount, loc)
		if err != nil {
			return err
		}
		id, err := a.history.RecordBalance(ctx, *account, when, bal, repository.HistoryData{Note: *note})
		if err != nil {
			return err
		}
		fmt.Printf("balance %d recorded\n", id)
		return nil
	case "recreate":
		if *account == "" {
			return errors.New("balance recreate: -account is required")
		}
		var s service.ReconcileSummary
		if *at == "" {
			s, err = a.reconciler.RecreateFullAccountHistory(ctx, *account)
		} else {
			when, bal, perr := parseBalance(*at, *amount, loc)
			if perr != nil {
				return perr
			}
			s, err = a.reconciler.RecreateHistory(ctx, *account, when, bal)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d anchors, %d deleted, %d inserted, %d mismatches\n", s.AccountID, s.Anchors, s.Deleted, s.Inserted, s.Mismatches)
		return nil
	case "history":
		f := service.HistoryFilter{AccountID: *account, Interpolate: *interpolate}
		if f.From, err = parseOptionalTime(*from, loc); err != nil {
			return err
		}
		if f.To, err = parseOptionalTime(*to, loc); err != nil {
			return err
		}
		series, err := a.history.GetAccountHistory(ctx, f)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ACCOUNT\tTIME\tBALANCE")
		for _, s := range series {
			for _, p := range s.Points {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.AccountID, database.FormatTime(p.Time), p.Value.StringFixed(2))
			}
		}
		return w.Flush()
	default:
		return fmt.Errorf("balance: unknown subcommand %q", sub)
	}
}

func (a *app) cmdMigrateIDs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate-ids", flag.ContinueOnError)
	account := fs.String("account", "", "account id")
	oldKeys := fs.String("old", "", "comma separated unique columns the ids were built from")
	newKeys := fs.String("new", "", "comma separated unique columns to re-key with")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *account == "" || *oldKeys == "" || *newKeys == "" {
		return errors.New("migrate-ids: -account, -old and -new are required")
	}
	out, err := a.ingest.MigrateFingerprints(ctx, *account, splitList(*oldKeys), splitList(*newKeys))
	if err != nil {
		return err
	}
	fmt.Printf("scanned %d, renamed %d, unchanged %d, foreign %d, collisions %d\n",
		out.Scanned, out.Renamed, out.Unchanged, out.Foreign, out.Collisions)
	return nil
}

func (a *app) cmdReset(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	keepRules := fs.Bool("keep-rules", false, "keep the rule set")
	yes := fs.Bool("yes", false, "confirm")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*yes {
		return errors.New("reset wipes all data; rerun with -yes")
	}
	return a.maintenance.Reset(ctx, *keepRules)
}

func (a *app) cmdSeed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	seed := fs.Int64("seed", 1, "random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	res, err := sampledata.Seed(ctx, sampledata.Services{
		Ingest:   a.ingest,
		History:  a.history,
		Rules:    repository.NewRuleRepo(a.db),
		Accounts: repository.NewAccountRepo(a.db),
	}, *seed, time.Now())
	if err != nil {
		return err
	}
	printResults(res.Ingest)
	fmt.Printf("%d rules created\n", len(res.Rules))
	return a.postIngest().Handle(ctx, events.BatchCompleted{
		BatchID:     "seed",
		Files:       []string{res.Ingest.File},
		InsertedIDs: res.Ingest.InsertedIDs,
		Accounts:    res.Ingest.Accounts,
		CompletedAt: time.Now().UTC(),
	})
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func parseBalance(at, amount string, loc *time.Location) (time.Time, decimal.Decimal, error) {
	when, err := parseTime(at, loc)
	if err != nil {
		return time.Time{}, decimal.Zero, err
	}
	bal, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return time.Time{}, decimal.Zero, fmt.Errorf("balance %q: %w", amount, err)
	}
	return when, bal, nil
}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("time is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return t.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func parseOptionalTime(s string, loc *time.Location) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := parseTime(s, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
