// Command callctl runs one-off operator tasks against the configured store:
// stuck-job reaping, report generation and export, reprocessing and
// retention cleanup. Calls moved back to pending are picked up by the API
// process on its next resubmit pass.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"call-insights/internal/app"
	"call-insights/internal/audit"
	"call-insights/internal/config"
	"call-insights/internal/reaper"
	"call-insights/internal/reporting"
	"call-insights/pkg/logger"
)

const usage = `usage: callctl <command> [flags]

commands:
  reap       requeue calls stuck in processing
  report     generate the daily report (default: yesterday)
  reprocess  move a failed (or, with -force, completed) call back to pending
  cleanup    delete calls older than the retention window
  export     write stored daily reports to an .xlsx file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[warn] .env load failed: %v\n", err)
	}

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	var fn func(context.Context, *app.App, []string, io.Writer) error
	switch cmd {
	case "reap":
		fn = reap
	case "report":
		fn = report
	case "reprocess":
		fn = reprocess
	case "cleanup":
		fn = cleanup
	case "export":
		fn = export
	case "-h", "--help", "help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a, args, out)
}

// operator is the audit actor for CLI actions.
func operator() audit.Actor {
	name := os.Getenv("USER")
	if name == "" {
		name = "callctl"
	}
	return audit.Actor{UserID: name, Role: "operator"}
}

func reap(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reap", flag.ContinueOnError)
	timeout := fs.Duration("timeout", a.Config.Schedule.ReaperStuckTimeout, "processing calls idle longer than this are requeued")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r := reaper.New(a.Store, a.Jobs, *timeout, a.Log).WithAudit(a.Audit)
	res, err := r.Run(ctx)
	fmt.Fprintf(out, "stuck: %d, requeued: %d, skipped: %d\n", res.Stuck, len(res.Requeued), len(res.Skipped))
	return err
}

func report(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	date := fs.String("date", "", "day to aggregate, YYYY-MM-DD (default: yesterday)")
	send := fs.Bool("send", false, "also post the report to the admin Telegram chat")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc := a.Reports
	if !*send {
		svc = reporting.NewService(a.Store, a.Log).WithLocation(a.Config.Schedule.Location())
	}
	var day *time.Time
	if *date != "" {
		d, err := time.ParseInLocation(reporting.DateLayout, *date, a.Config.Schedule.Location())
		if err != nil {
			return fmt.Errorf("-date must be YYYY-MM-DD: %w", err)
		}
		day = &d
	}
	r, err := svc.Generate(ctx, day)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func reprocess(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reprocess", flag.ContinueOnError)
	force := fs.Bool("force", false, "allow reprocessing a completed call")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("reprocess: at least one call id is required")
	}

	var errs []error
	for _, id := range fs.Args() {
		if err := a.Jobs.Reprocess(ctx, id, operator(), *force); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Fprintf(out, "%s: pending\n", id)
	}
	return errors.Join(errs...)
}

func cleanup(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	days := fs.Int("days", a.Config.Schedule.RetentionDays, "delete calls created more than this many days ago")
	dryRun := fs.Bool("dry-run", false, "only report what would be deleted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ret := reaper.NewRetention(a.Store, a.Jobs, *days, a.Log).WithAudit(a.Audit)
	if !ret.Enabled() {
		return errors.New("cleanup: -days must be positive")
	}
	res, err := ret.Sweep(ctx, *dryRun)
	verb := "deleted"
	if res.DryRun {
		verb = "would delete"
	}
	fmt.Fprintf(out, "cutoff %s: %s %d of %d matched %v\n", res.Cutoff.Format(time.RFC3339), verb, len(res.Deleted), res.Matched, res.ByState)
	return err
}

func export(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	from := fs.String("from", "", "first day, YYYY-MM-DD")
	to := fs.String("to", "", "last day, YYYY-MM-DD")
	path := fs.String("o", "daily-reports.xlsx", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reports, err := a.Reports.List(ctx, *from, *to)
	if err != nil {
		return err
	}
	f, err := os.Create(*path)
	if err != nil {
		return err
	}
	if err := reporting.ExportXLSX(f, reports); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d reports to %s\n", len(reports), *path)
	return nil
}
