package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/vidfriends/vidgen/internal/auth"
	"github.com/vidfriends/vidgen/internal/config"
	"github.com/vidfriends/vidgen/internal/db"
	"github.com/vidfriends/vidgen/internal/gateway"
	"github.com/vidfriends/vidgen/internal/logging"
	"github.com/vidfriends/vidgen/internal/models"
)

const usageText = `usage: vidgen <command> [flags]

commands:
  migrate [up|status|prune]   apply schema migrations or prune expired sessions
  register                    create an email/password account
  generate [prompt]           generate a video and upload it
  videos                      list your videos
  usage                       show quota and storage usage
  prefs                       update profile defaults
  delete                      delete a video and its artifact
  download                    save a video artifact to disk
  share                       print a time-limited link to a video`

// Run executes the vidgen command named by args[0].
func Run(ctx context.Context, args []string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, os.Stdout, args)
}

func run(ctx context.Context, out io.Writer, args []string) error {
	if len(args) == 0 {
		return errors.New(usageText)
	}

	commands := map[string]func(context.Context, io.Writer, []string) error{
		"migrate":  runMigrate,
		"register": runRegister,
		"generate": runGenerate,
		"videos":   runVideos,
		"usage":    runUsage,
		"prefs":    runPrefs,
		"delete":   runDelete,
		"download": runDownload,
		"share":    runShare,
	}

	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q\n%s", args[0], usageText)
	}
	return cmd(ctx, out, args[1:])
}

// credentialFlags registers -email and -password, defaulting to VIDGEN_EMAIL
// and VIDGEN_PASSWORD.
func credentialFlags(fs *flag.FlagSet) func() auth.Credentials {
	email := fs.String("email", os.Getenv("VIDGEN_EMAIL"), "account email")
	password := fs.String("password", os.Getenv("VIDGEN_PASSWORD"), "account password")
	return func() auth.Credentials {
		return auth.Credentials{Email: strings.TrimSpace(*email), Password: *password}
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// environment holds the configured collaborators for one command invocation.
type environment struct {
	cfg    config.Config
	logger *slog.Logger
	deps   dependencies
	close  func()
}

func openEnvironment(ctx context.Context) (context.Context, *environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return ctx, nil, err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)
	ctx = logging.WithLogger(ctx, logger)

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return ctx, nil, err
	}

	deps, err := buildDependencies(ctx, pool, cfg)
	if err != nil {
		pool.Close()
		return ctx, nil, err
	}

	return ctx, &environment{cfg: cfg, logger: logger, deps: deps, close: pool.Close}, nil
}

// session is the signed-in environment handed to account commands.
type session struct {
	*environment
	user models.User
}

// withSession signs creds in, runs fn and signs out again. A sign-out failure
// is reported only when fn succeeded.
func withSession(ctx context.Context, creds auth.Credentials, fn func(context.Context, *session) error) error {
	if creds.Email == "" || creds.Password == "" {
		return errors.New("email and password are required (flags or VIDGEN_EMAIL/VIDGEN_PASSWORD)")
	}

	ctx, env, err := openEnvironment(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	return env.signedIn(ctx, creds, fn)
}

func (env *environment) signedIn(ctx context.Context, creds auth.Credentials, fn func(context.Context, *session) error) (err error) {
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		for werr := range env.deps.Gateway.WatchAuth(watchCtx) {
			env.logger.Warn("sync session after auth event", "error", werr)
		}
	}()

	user, err := env.deps.Gateway.SignIn(ctx, creds)
	if err != nil {
		return err
	}
	defer func() {
		serr := env.deps.Gateway.SignOut(context.WithoutCancel(ctx))
		if serr != nil && !errors.Is(serr, gateway.ErrUserNotAuthenticated) && err == nil {
			err = serr
		}
	}()

	return fn(ctx, &session{environment: env, user: user})
}
