package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/armazem-sao-joaquim/backoffice/config"
	"github.com/armazem-sao-joaquim/backoffice/internal/bootstrap"
	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	"github.com/armazem-sao-joaquim/backoffice/internal/data"
	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	"github.com/armazem-sao-joaquim/backoffice/internal/ports"
)

const defaultCommandTimeout = 5 * time.Minute

// profileStore is the profile surface the CLI needs beyond the verifier's port.
type profileStore interface {
	ports.ProfileStore
	ListByRole(ctx context.Context, role domainauth.Role, limit int) ([]domainauth.UserProfile, error)
}

// stores are the handles a command runs against. Cache is nil unless the
// verification cache is shared through Redis.
type stores struct {
	DB       *sql.DB
	Profiles profileStore
	Sessions ports.AdminSessionStore
	Cache    core.VerificationCache
}

type openFn func(ctx context.Context, cmdCtx *commandContext) (*stores, func(), error)

type commandContext struct {
	Logger  *slog.Logger
	Config  config.AppConfig
	Timeout time.Duration

	loadConfig func() (config.AppConfig, error)
	open       openFn
	in         io.Reader
}

func main() {
	logger := bootstrap.InitLogger(slog.LevelWarn)
	cmdCtx := &commandContext{
		Logger:     logger,
		loadConfig: bootstrap.LoadConfig,
		open:       openStores,
		in:         os.Stdin,
	}
	root := newRootCmd(cmdCtx)
	if err := root.Execute(); err != nil {
		if werr := writef(os.Stderr, "error: %s\n", err); werr != nil {
			logger.Error("print command error failed", "error", werr)
		}
		os.Exit(1) //nolint:forbidigo // CLI must exit with failure status when a command fails
	}
}

func newRootCmd(cmdCtx *commandContext) *cobra.Command {
	root := &cobra.Command{
		Use:           "backoffice-admin",
		Short:         "Operator tooling for the backoffice auth service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := cmdCtx.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmdCtx.Config = cfg
			return nil
		},
	}
	root.PersistentFlags().DurationVar(&cmdCtx.Timeout, "timeout", defaultCommandTimeout, "overall command timeout")

	root.AddCommand(
		migrateCmd(cmdCtx),
		seedAdminCmd(cmdCtx),
		roleCmd(cmdCtx, "promote", domainauth.RoleAdmin),
		roleCmd(cmdCtx, "demote", domainauth.RoleUser),
		adminsCmd(cmdCtx),
		sessionsCmd(cmdCtx),
		verifyCmd(cmdCtx),
	)
	return root
}

// withStores opens the command's stores under a signal-aware timeout and
// closes them once f returns.
func withStores(
	parent context.Context,
	cmdCtx *commandContext,
	f func(context.Context, *stores) error,
) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	timeout := cmdCtx.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, closeFn, err := cmdCtx.open(ctx, cmdCtx)
	if err != nil {
		return err
	}
	defer closeFn()
	return f(ctx, s)
}

func openStores(ctx context.Context, cmdCtx *commandContext) (*stores, func(), error) {
	dbCfg := bootstrap.DatabaseConfig{
		DBConfig:    cmdCtx.Config.Postgres,
		RedisConfig: cmdCtx.Config.Redis,
		OpTimeout:   cmdCtx.Config.Cache.OpTimeout,
		Logger:      cmdCtx.Logger,
	}
	db, err := bootstrap.ConnectDB(dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}

	var redisClient redis.UniversalClient
	if bootstrap.NeedsRedis(&cmdCtx.Config) {
		redisClient, err = bootstrap.ConnectRedis(dbCfg)
		if err != nil {
			return nil, nil, errors.Join(fmt.Errorf("connect redis: %w", err), db.Close())
		}
	}

	s := &stores{
		DB:       db,
		Profiles: data.NewProfileRepo(db),
		Sessions: data.NewAdminSessionRepo(db),
	}
	if redisClient != nil {
		cache, cerr := core.NewRepositoryVerificationCache(core.RepositoryVerificationCacheOptions{
			Repo: data.NewRedisCacheRepoWithNamespace(redisClient, cmdCtx.Config.Cache.KeyPrefix),
			TTL:  cmdCtx.Config.Auth.AdminCacheTTL,
		})
		if cerr != nil {
			return nil, nil, errors.Join(cerr, redisClient.Close(), db.Close())
		}
		s.Cache = cache
	}

	closeFn := func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.WarnContext(ctx, "db close failed", "error", cerr)
		}
		if redisClient != nil {
			if cerr := redisClient.Close(); cerr != nil {
				cmdCtx.Logger.WarnContext(ctx, "redis close failed", "error", cerr)
			}
		}
	}
	return s, closeFn, nil
}

func guardRemoteHost(cmdCtx *commandContext, out io.Writer, allow bool, action string) error {
	host := cmdCtx.Config.Postgres.Host
	if !isLikelyRemoteHost(host) {
		return nil
	}
	if !allow {
		return fmt.Errorf(
			"refusing to run against potentially remote database host %q; re-run with --allow-remote if this is intentional",
			host,
		)
	}
	return requireRemoteHostConfirmation(out, cmdCtx.in, action, host)
}

func isLikelyRemoteHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" {
		return false
	}
	if h == "localhost" || h == "127.0.0.1" || h == "::1" {
		return false
	}
	if strings.HasSuffix(h, ".local") {
		return false
	}
	if ip := net.ParseIP(h); ip != nil {
		return !ip.IsLoopback()
	}
	return true
}

func requireRemoteHostConfirmation(out io.Writer, in io.Reader, action, host string) error {
	if err := writef(
		out,
		"\nWARNING: database host %q does not look like a local address.\n"+
			"This operation will %s.\n",
		host,
		action,
	); err != nil {
		return fmt.Errorf("print remote host warning: %w", err)
	}
	if err := writef(out, "Type %q to continue or press enter to abort: ", host); err != nil {
		return fmt.Errorf("print remote host prompt: %w", err)
	}
	resp, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}
	if strings.TrimSpace(resp) != host {
		return errors.New("aborted by user")
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}
