package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/urfave/cli/v2"

	"convsync/internal/config"
	"convsync/internal/docstore"
	"convsync/internal/docstore/localstore"
	"convsync/internal/domain"
	"convsync/internal/integrations/paramstore"
	"convsync/internal/moderation"
	"convsync/internal/repository"
)

const (
	backendLocal  = "local"
	backendDynamo = "dynamodb"
)

type contextKey int

const contextKeyEnv contextKey = iota

// appEnv is what every command needs once flags and config are resolved.
type appEnv struct {
	cfg          config.Config
	logger       *slog.Logger
	store        docstore.Store
	filter       *moderation.Filter
	defaultDelay int
	close        func() error
}

func getEnv(ctx *cli.Context) *appEnv {
	return ctx.Context.Value(contextKeyEnv).(*appEnv)
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("env-file"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if dir := ctx.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if addr := ctx.String("metrics-addr"); addr != "" {
		cfg.MetricsAddr = addr
	}

	level := slog.LevelWarn
	if ctx.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	env := &appEnv{cfg: cfg, logger: logger, close: func() error { return nil }}
	switch backend := ctx.String("backend"); backend {
	case backendLocal:
		err = openLocal(env)
	case backendDynamo:
		err = openDynamo(ctx.Context, env)
	default:
		err = fmt.Errorf("unknown backend %q", backend)
	}
	if err != nil {
		return err
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyEnv, env)
	return nil
}

func openLocal(env *appEnv) error {
	if env.cfg.DataDir == "" {
		env.store = localstore.NewMemory(localstore.WithLogger(env.logger))
		return nil
	}
	s, err := localstore.Open(env.cfg.DataDir, localstore.WithLogger(env.logger))
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	env.store, env.close = s, s.Close
	return nil
}

func openDynamo(ctx context.Context, env *appEnv) error {
	if err := env.cfg.RequireStateTable(); err != nil {
		return err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	env.store, err = repository.New(awsdynamodb.NewFromConfig(awsCfg), env.cfg.StateTable,
		repository.WithOrderIndex(domain.FieldCreatedAt, env.cfg.OrderIndex),
		repository.WithPollInterval(env.cfg.PollInterval),
		repository.WithLogger(env.logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create state client: %w", err)
	}
	if env.cfg.ParamPrefix == "" {
		return nil
	}
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), env.cfg.ParamPrefix)
	if err != nil {
		return err
	}
	raw, ok, err := params.Lookup(ctx, paramstore.KeyBlacklist)
	if err != nil {
		return fmt.Errorf("failed to load blacklist: %w", err)
	}
	if ok {
		env.filter = moderation.NewFilter(moderation.ParseList(raw))
	}
	if env.defaultDelay, err = params.DefaultDelaySeconds(ctx); err != nil {
		return fmt.Errorf("failed to load delay default: %w", err)
	}
	return nil
}

func closeApp(ctx *cli.Context) error {
	if env, ok := ctx.Context.Value(contextKeyEnv).(*appEnv); ok {
		return env.close()
	}
	return nil
}

// requireUID resolves the signed-in account from flags.
func requireUID(ctx *cli.Context) (domain.Account, error) {
	acct := domain.Account{UID: ctx.String("uid"), PublicID: ctx.String("public-id")}
	if acct.UID == "" {
		return acct, errors.New("you must pass --uid or set CONVSYNC_UID")
	}
	return acct, nil
}

func main() {
	app := &cli.App{
		Name:  "chatctl",
		Usage: "Chat with one other person over a shared document store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "uid", Usage: "Your account uid", EnvVars: []string{"CONVSYNC_UID"}},
			&cli.StringFlag{Name: "public-id", Usage: "Your public id", EnvVars: []string{"CONVSYNC_PUBLIC_ID"}},
			&cli.StringFlag{Name: "backend", Usage: "Store backend: local or dynamodb", Value: backendLocal},
			&cli.StringFlag{Name: "data-dir", Usage: "Directory for the local store; empty keeps it in memory"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Serve prometheus metrics on this address"},
			&cli.StringFlag{Name: "env-file", Usage: "Path to a .env file", Value: ".env"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Log debug output to stderr"},
		},
		Before: prepareApp,
		After:  closeApp,
		Commands: []*cli.Command{
			profileCommand,
			chatCommand,
			historyCommand,
			eraseCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
