// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	_ "go.mau.fi/util/dbutil/litestream"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/zeroconfig"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"

	"maunium.net/go/mxverify"
	"maunium.net/go/mxverify/crypto/verification"
	"maunium.net/go/mxverify/id"
	"maunium.net/go/mxverify/mockserver"
	"maunium.net/go/mxverify/redisverificationstore"
	"maunium.net/go/mxverify/sqlverificationstore"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var dontSaveConfig = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
var version = flag.MakeFull("v", "version", "View version and quit.", "false").Bool()
var ignoreUnsupportedDatabase = flag.Make().LongKey("ignore-unsupported-database").Usage("Run even if the database schema is too new").Default("false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var writerTypeReadline zeroconfig.WriterType = "mxverify_readline"

type App struct {
	Config *Config
	Log    *zerolog.Logger
	RL     *readline.Instance

	DB       *dbutil.Database
	Store    *sqlverificationstore.SQLVerificationStore
	Requests verification.RequestStore
	Client   *mockserver.Client
	Service  *verification.Service
}

func main() {
	flag.SetHelpTitles(
		"mxverify - Interactive Matrix device verification client",
		"mxverify [-hvne] [-c <path>]")
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("mxverify %s (%s, commit %s, built at %s with %s)\n", mxverify.VersionWithCommit, Tag, Commit, BuildTime, runtime.Version())
		return
	} else if *writeExampleConfig {
		exerrors.PanicIfNotNil(os.WriteFile(*configPath, []byte(ExampleConfig), 0600))
		return
	}

	app := &App{}
	app.loadConfig()
	app.Init()
	ctx, cancel := context.WithCancel(app.Log.WithContext(context.Background()))
	defer cancel()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		cancel()
	}()
	err = app.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		app.Log.Fatal().Err(err).Msg("Client stopped with error")
	}
	app.Log.Info().Msg("Shutting down")
}

func (app *App) loadConfig() {
	upgrader := up.MergeUpgraders(ExampleConfig, Upgrader)
	configData, upgraded, err := up.Do(*configPath, !*dontSaveConfig, upgrader)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error updating config:", err)
		if !upgraded {
			os.Exit(10)
		}
	}
	var cfg Config
	err = yaml.Unmarshal(configData, &cfg)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to parse config:", err)
		os.Exit(10)
	}
	if cfg.Account.SigningKey == "" {
		cfg.Account.SigningKey = app.generateSigningKey()
	}
	app.Config = &cfg
}

// generateSigningKey creates a new device signing key and saves it in the config.
func (app *App) generateSigningKey() id.Ed25519 {
	if *dontSaveConfig {
		_, _ = fmt.Fprintln(os.Stderr, "--no-update is not compatible with generating a signing key")
		os.Exit(5)
	}
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to generate signing key:", err)
		os.Exit(21)
	}
	key := id.Ed25519FromBytes(pub)
	setKey := func(helper *up.Helper) {
		helper.Set(up.Str, key.String(), "account", "signing_key")
	}
	_, _, err = up.Do(*configPath, true, up.MergeUpgraders(ExampleConfig, Upgrader), up.SimpleUpgrader(setKey))
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to save config:", err)
		os.Exit(22)
	}
	return key
}

func (app *App) Init() {
	var err error
	app.RL, err = readline.New("> ")
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize readline:", err)
		os.Exit(12)
	}
	zeroconfig.RegisterWriter(writerTypeReadline, func(config *zeroconfig.WriterConfig) (io.Writer, error) {
		return app.RL.Stdout(), nil
	})
	for i, writer := range app.Config.Logging.Writers {
		if writer.Type == zeroconfig.WriterTypeStdout {
			app.Config.Logging.Writers[i].Type = writerTypeReadline
		}
	}
	app.Log, err = app.Config.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	if err = app.Config.Validate(); err != nil {
		app.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Configuration error")
		os.Exit(11)
	}
	exzerolog.SetupDefaults(app.Log)
	app.Log.Info().
		Str("version", mxverify.Version).
		Str("go_version", runtime.Version()).
		Stringer("user_id", app.Config.Account.UserID).
		Stringer("device_id", app.Config.Account.DeviceID).
		Msg("Initializing mxverify")

	app.initDB()
	app.Requests = app.Store
	if app.Config.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     app.Config.Redis.Address,
			Password: app.Config.Redis.Password,
			DB:       app.Config.Redis.DB,
		})
		app.Requests = redisverificationstore.New(rdb, app.Config.Redis.Prefix, app.Config.Verification)
	}

	app.Client, err = mockserver.NewClient(app.Config.Relay.Address, app.Log.With().Str("component", "relay client").Logger())
	if err != nil {
		app.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to create relay client")
		os.Exit(13)
	}
	own := verification.Identity{
		UserID:     app.Config.Account.UserID,
		DeviceID:   app.Config.Account.DeviceID,
		SigningKey: app.Config.Account.SigningKey,
	}
	app.Service = verification.NewService(own, app.Client, app.Store, app.Requests, app.Config.Verification, app.Log.With().Str("component", "verification").Logger())
	app.Service.AddListener(&printListener{app: app})
}

func (app *App) initDB() {
	app.Log.Debug().Msg("Initializing database connection")
	var err error
	app.DB, err = dbutil.NewFromConfig("mxverify", app.Config.Database, dbutil.ZeroLogger(app.Log.With().Str("db_section", "main").Logger()))
	if err != nil {
		app.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to initialize database connection")
		os.Exit(14)
	}
	app.DB.IgnoreUnsupportedDatabase = *ignoreUnsupportedDatabase
	app.Store = sqlverificationstore.New(app.DB, dbutil.ZeroLogger(app.Log.With().Str("db_section", "verification").Logger()))
}

func (app *App) Run(ctx context.Context) error {
	defer func() {
		_ = app.RL.Close()
		_ = app.DB.Close()
	}()
	if err := app.Store.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}
	// Our own device is always known and trusted
	err := app.Store.PutDevice(ctx, id.Device{
		UserID:     app.Config.Account.UserID,
		DeviceID:   app.Config.Account.DeviceID,
		SigningKey: app.Config.Account.SigningKey,
		Trust:      id.TrustStateVerified,
	})
	if err != nil {
		return fmt.Errorf("failed to store own device: %w", err)
	}
	// Load skips concluded requests, old ones are dropped here
	pruned, err := app.Store.DeleteFinishedBefore(ctx, time.Now().Add(-app.Config.Verification.FinishedRetention))
	if err != nil {
		return fmt.Errorf("failed to prune finished requests: %w", err)
	} else if pruned > 0 {
		app.Log.Debug().Int64("count", pruned).Msg("Pruned finished verification requests")
	}
	if err = app.Service.Load(ctx); err != nil {
		return err
	}
	if err = app.Client.Login(ctx, app.Config.Account.UserID, app.Config.Account.DeviceID); err != nil {
		return fmt.Errorf("failed to log in to relay: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return app.Client.Listen(ctx, app.Service.OnVerificationEvent)
	})
	eg.Go(func() error {
		app.Service.Run(ctx)
		return nil
	})
	eg.Go(func() error {
		return app.readCommands(ctx)
	})
	return eg.Wait()
}
