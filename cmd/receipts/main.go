package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"receiptflow/internal/cli"
	"receiptflow/internal/config"
	"receiptflow/internal/core"
	"receiptflow/internal/identity"
	applog "receiptflow/internal/log"
	"receiptflow/internal/notify"
	"receiptflow/internal/poller"
	"receiptflow/internal/quota"
	"receiptflow/internal/services"
	"receiptflow/internal/storage"
)

const usage = `Usage: receipts <command> [flags]

Commands:
  upload [-method camera|file] [-device PATH] [-no-wait] [FILES...]
  status IDS...
  history [-n N]
  quota
  login -token TOKEN [-name NAME] [-email EMAIL]
  logout
  forget
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type app struct {
	cfg      *config.Config
	logger   *applog.Logger
	repo     *storage.SQLiteRepository
	pipeline *services.Pipeline
	out      io.Writer
	stdin    io.Reader
	closers  []func()

	stopRender func()
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cli.LoadEnvFile()
	logger := cli.SetupLogger(stderr, os.Getenv("LOG_LEVEL"), applog.ComponentApp)
	cfg := cli.LoadAndValidateConfig(logger)

	a := newApp(cfg, logger, stdin, stdout)
	defer a.close()

	ctx, _ := cli.GracefulShutdown(logger, 5*time.Second, nil)

	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "upload":
		err = a.upload(ctx, rest)
	case "status":
		err = a.status(ctx, rest)
	case "history":
		err = a.history(ctx, rest)
	case "quota":
		err = a.quota(ctx)
	case "login":
		err = a.login(ctx, rest)
	case "logout":
		err = a.pipeline.Logout(ctx)
		if err == nil {
			fmt.Fprintln(a.out, "Logged out.")
		}
	case "forget":
		err = a.pipeline.ForgetAll(ctx)
		if err == nil {
			fmt.Fprintln(a.out, "All local data removed.")
		}
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	if err != nil {
		logger.Debug("Command failed", "command", cmd, "error", err)
		return 1
	}
	return 0
}

func newApp(cfg *config.Config, logger *applog.Logger, stdin io.Reader, out io.Writer) *app {
	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	a := &app{cfg: cfg, logger: logger, repo: repo, out: out, stdin: stdin}
	a.closers = append(a.closers, func() { repo.Close() })

	var publisher services.Publisher
	if client := cli.InitAMQP(logger, cfg); client != nil {
		publisher = client
		a.closers = append(a.closers, func() { client.Close() })
	}

	sink := notify.NewSink(cfg.FlashTTL, logger)
	a.pipeline = services.NewPipeline(
		identity.NewResolver(repo, logger),
		cli.InitAPI(logger, cfg),
		sink,
		repo,
		publisher,
		services.Config{
			MaxUploadBytes:    cfg.MaxUploadBytes,
			UploadConcurrency: cfg.UploadConcurrency,
			AnonymousPool:     cfg.AnonymousPool,
			PollInterval:      cfg.PollInterval,
			PollMaxAttempts:   cfg.PollMaxAttempts,
		},
		logger,
	)

	a.stopRender = renderFlashes(sink, out)
	a.closers = append(a.closers, a.stopRender)
	return a
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) upload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	methodName := fs.String("method", "", "upload method: camera or file")
	device := fs.String("device", "", "capture file for the camera method, - reads stdin")
	noWait := fs.Bool("no-wait", false, "return without waiting for processing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	margs := fs.Args()
	if *methodName == "camera" && *device != "" {
		margs = []string{*device}
	}
	method, err := core.ParseUploadMethod(*methodName, margs)
	if err != nil {
		return err
	}

	outcome, err := a.pipeline.Upload(ctx, method, a.stdin)
	if outcome != nil && outcome.Result != nil {
		printRejections(a.out, outcome.Result)
	}
	if err != nil {
		if outcome != nil && outcome.SignupRequired {
			renderSignup(a.out, outcome.Quota)
		} else {
			renderErrorState(a.out, err)
		}
		return err
	}

	res := outcome.Result
	fmt.Fprintf(a.out, "Uploaded %d receipt(s).\n", res.TotalUploaded)
	ids := make([]int64, 0, len(res.Receipts))
	for _, r := range res.Receipts {
		fmt.Fprintf(a.out, "  #%d  %s\n", r.ID, r.Status)
		ids = append(ids, r.ID)
	}
	if banner := quota.Banner(outcome.Quota, outcome.Identity.Authenticated()); banner != "" {
		fmt.Fprintln(a.out, banner)
	}

	if *noWait || len(ids) == 0 {
		return nil
	}
	return a.track(ctx, outcome.Identity, ids)
}

func (a *app) status(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("status needs at least one receipt id")
	}
	ids := make([]int64, 0, len(args))
	for _, s := range args {
		id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid receipt id %q", s)
		}
		ids = append(ids, id)
	}
	id, err := a.pipeline.Identity(ctx)
	if err != nil {
		return err
	}
	return a.track(ctx, id, ids)
}

func (a *app) track(ctx context.Context, id core.Identity, ids []int64) error {
	fmt.Fprintln(a.out, "Waiting for processing... (Ctrl+C to stop)")

	var summary poller.Summary
	h := a.pipeline.Track(ctx, id, ids, func(s poller.Summary) { summary = s })
	select {
	case <-h.Done():
	case <-ctx.Done():
		h.Cancel()
		<-h.Done()
		fmt.Fprintln(a.out, "Stopped waiting.")
		return nil
	}
	// flush pending flashes before the summary line
	a.stopRender()

	if summary.States == nil {
		return nil
	}
	fmt.Fprintf(a.out, "Done: %d completed, %d failed, %d abandoned, %d timed out.\n",
		len(summary.IDs(core.TrackCompleted)),
		len(summary.IDs(core.TrackFailed)),
		len(summary.IDs(core.TrackAbandoned)),
		len(summary.IDs(core.TrackTimedOut)))
	return nil
}

func (a *app) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	n := fs.Int("n", 20, "number of receipts to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id, err := a.pipeline.Identity(ctx)
	if err != nil {
		return err
	}
	list, err := a.pipeline.History(ctx, id, *n)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(a.out, "No receipts yet.")
		return nil
	}
	renderHistory(a.out, list)
	return nil
}

func (a *app) quota(ctx context.Context) error {
	id, err := a.pipeline.Identity(ctx)
	if err != nil {
		return err
	}
	state, usage, err := a.pipeline.RefreshQuota(ctx, id)
	if err != nil {
		return err
	}
	if usage != nil {
		fmt.Fprintln(a.out, quota.UsageBanner(*usage))
		return nil
	}
	fmt.Fprintln(a.out, quota.Banner(state, false))
	return nil
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	token := fs.String("token", "", "bearer token issued by the receipts service")
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.pipeline.Login(ctx, *token, core.User{Name: *name, Email: *email}); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Logged in.")
	return nil
}
