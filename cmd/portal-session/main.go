package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alexjbarnes/portal-session/internal/backend"
	"github.com/alexjbarnes/portal-session/internal/config"
	"github.com/alexjbarnes/portal-session/internal/logging"
	"github.com/alexjbarnes/portal-session/internal/metrics"
	"github.com/alexjbarnes/portal-session/internal/monitor"
	"github.com/alexjbarnes/portal-session/internal/server"
	"github.com/alexjbarnes/portal-session/internal/session"
	"github.com/alexjbarnes/portal-session/internal/state"
)

var Version = "dev"

const usage = `usage: portal-session <command>

commands:
  login        sign in with PORTAL_USERNAME / PORTAL_PASSWORD
  logout       end the stored session
  status       show the stored session
  get <path>   GET an API path with the stored session
  watch        keep the session under the idle monitor until it ends
  version      print the version`

// errSessionEnded stops the watch loop when the session is over.
var errSessionEnded = errors.New("session ended")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if os.Args[1] == "version" {
		fmt.Println(Version)
		return
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds everything a command needs.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *state.State
	mgr      *session.Manager
	registry *prometheus.Registry
}

func run(command string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Debug("portal-session starting",
		slog.String("version", Version),
		slog.String("command", command),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	switch command {
	case "login":
		return a.login(ctx)
	case "logout":
		return a.logout()
	case "status":
		return a.status(os.Stdout)
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("get takes exactly one path argument")
		}

		return a.get(ctx, args[0], os.Stdout)
	case "watch":
		return a.watch(ctx, os.Stdin, os.Stderr)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", command, usage)
	}
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	var (
		store *state.State
		err   error
	)

	if cfg.StatePath != "" {
		store, err = state.LoadAt(cfg.StatePath, logger)
	} else {
		store, err = state.Load(logger)
	}

	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store}

	var recorder metrics.Recorder = metrics.Nop{}
	if cfg.MetricsAddr != "" {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		recorder = metrics.NewCollector(a.registry)
	}

	a.mgr = session.New(session.Config{
		Store:          store,
		Backend:        backend.NewClient(cfg.APIURL, backend.DefaultHTTPClient(cfg.HTTPTimeout)),
		WarningLead:    cfg.WarningLead,
		RefreshTimeout: cfg.RefreshTimeout,
		Metrics:        recorder,
		Logger:         logger,
	})

	return a, nil
}

func (a *app) close() {
	a.mgr.Close()

	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}

func (a *app) login(ctx context.Context) error {
	if err := a.cfg.RequireCredentials(); err != nil {
		return err
	}

	res, err := a.mgr.Login(ctx, a.cfg.Username, a.cfg.Password)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}

	if !res.Authenticated() {
		return fmt.Errorf("login rejected for %s", a.cfg.Username)
	}

	fmt.Printf("logged in as %s, token expires %s\n", displayName(res.Session.Username, res.Session.DisplayName), res.Session.ExpiresAt.Format(time.RFC3339))

	return nil
}

func (a *app) logout() error {
	sess, err := a.store.Get()
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}

	if sess.Empty() {
		fmt.Println("not logged in")
		return nil
	}

	a.mgr.Logout()
	fmt.Println("logged out")

	return nil
}

func (a *app) status(w io.Writer) error {
	sess, err := a.store.Get()
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}

	if sess.Empty() {
		fmt.Fprintln(w, "not logged in")
		return nil
	}

	now := time.Now()
	fmt.Fprintf(w, "user:    %s\n", displayName(sess.Username, sess.DisplayName))
	fmt.Fprintf(w, "expires: %s\n", sess.ExpiresAt.Format(time.RFC3339))

	if sess.Valid(now) {
		fmt.Fprintf(w, "status:  active (%s left)\n", sess.ExpiresAt.Sub(now).Truncate(time.Second))
	} else {
		fmt.Fprintln(w, "status:  expired")
	}

	return nil
}

func (a *app) get(ctx context.Context, path string, w io.Writer) error {
	if err := a.mgr.Resume(); err != nil {
		return fmt.Errorf("not logged in: %w", err)
	}

	url := strings.TrimRight(a.cfg.APIURL, "/") + "/" + strings.TrimLeft(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := a.mgr.Gateway().Client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s returned status %d", path, resp.StatusCode)
	}

	return nil
}

// watch runs the idle monitor for the stored session, prompting on out
// whenever it changes and reading commands from in, until the session
// ends or the process is interrupted.
func (a *app) watch(ctx context.Context, in io.Reader, out io.Writer) error {
	ended := make(chan string, 1)
	a.mgr.OnSessionExpired(func(reason string) {
		select {
		case ended <- reason:
		default:
		}
	})
	a.mgr.OnStateChange(func(st monitor.State) {
		fmt.Fprintln(out, describe(st))
	})

	if err := a.mgr.Resume(); err != nil {
		return fmt.Errorf("not logged in: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.registry != nil {
		mux := server.NewMux(server.MuxConfig{
			Gatherer:  a.registry,
			Session:   a.store,
			Logger:    a.logger,
			RateLimit: rate.Limit(a.cfg.MetricsRateLimit),
			Burst:     int(a.cfg.MetricsRateLimit) * 2,
		})

		g.Go(func() error {
			return server.Run(gctx, a.cfg.MetricsAddr, mux, a.logger)
		})
	}

	lines := make(chan string)

	// The scanner cannot be interrupted; it is abandoned on exit.
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}

				handleInput(gctx, a.mgr, line, out, a.logger)
			}
		}
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case reason := <-ended:
			fmt.Fprintf(out, "session ended (%s)\n", reason)
			return errSessionEnded
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errSessionEnded) {
		return err
	}

	return nil
}

// sessionControl is what the watch prompt drives.
type sessionControl interface {
	RequestStayLoggedIn(ctx context.Context) error
	Logout()
	Monitor() *monitor.Monitor
}

var _ sessionControl = (*session.Manager)(nil)

// handleInput acts on one line typed at the watch prompt. Anything that
// is not a command counts as activity.
func handleInput(ctx context.Context, ctl sessionControl, line string, out io.Writer, logger *slog.Logger) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "stay", "s":
		if err := ctl.RequestStayLoggedIn(ctx); err != nil {
			logger.Warn("could not extend session", slog.String("error", err.Error()))
			fmt.Fprintln(out, "could not extend the session")
		}
	case "logout", "q":
		ctl.Logout()
	default:
		if mon := ctl.Monitor(); mon != nil {
			mon.Activity()
		}
	}
}

// describe renders a monitor state for the watch prompt.
func describe(st monitor.State) string {
	switch st.Phase {
	case monitor.PhaseIdle:
		return fmt.Sprintf("session active, warning at %s", st.WakeAt.Format(time.Kitchen))
	case monitor.PhaseWarning:
		return fmt.Sprintf("session expires in %ds: type 'stay' to remain logged in or 'logout' to log out now", st.SecondsRemaining)
	default:
		return "session expired"
	}
}

func displayName(username, display string) string {
	if display == "" || display == username {
		return username
	}

	return fmt.Sprintf("%s (%s)", display, username)
}
