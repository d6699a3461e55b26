package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/BatmanBruc/coinmeter/internal/calls"
	"github.com/BatmanBruc/coinmeter/internal/config"
	"github.com/BatmanBruc/coinmeter/internal/handlers"
	"github.com/BatmanBruc/coinmeter/internal/httpapi"
	"github.com/BatmanBruc/coinmeter/internal/idempotency"
	"github.com/BatmanBruc/coinmeter/internal/idgen"
	"github.com/BatmanBruc/coinmeter/internal/ledger"
	"github.com/BatmanBruc/coinmeter/internal/middleware"
	"github.com/BatmanBruc/coinmeter/internal/notify"
	"github.com/BatmanBruc/coinmeter/internal/renewal"
	"github.com/BatmanBruc/coinmeter/internal/scheduler"
	"github.com/BatmanBruc/coinmeter/internal/sessions"
	"github.com/BatmanBruc/coinmeter/store"
	"github.com/BatmanBruc/coinmeter/types"
)

// datastore is what both store drivers provide.
type datastore interface {
	types.Store
	types.ContactStore
}

func main() {
	configPath := flag.String("config", os.Getenv("COINMETER_CONFIG"), "path to the YAML config file")
	flag.Parse()

	_ = config.LoadEnvFile("config.env")

	cfg, err := config.Load(*configPath)
	log := newLogger(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := idgen.Init(cfg.NodeID); err != nil {
		log.Fatal().Err(err).Msg("init id generator")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("open store")
	}
	defer db.Close()

	rdb, err := store.NewRedisClient(ctx, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr()).Msg("connect to redis")
	}
	defer rdb.Close()

	users := store.NewRedisUserStore(rdb, db, cfg.Redis.CacheTTL)
	locker := idempotency.NewLocker(rdb, cfg.Billing.IdempotencyTTL, log)

	notifiers := notify.Multi{notify.NewRedisPublisher(rdb)}
	var b *bot.Bot
	if cfg.Bot.Token != "" {
		b, err = bot.New(cfg.Bot.Token, bot.WithHTTPClient(50*time.Second, &http.Client{Timeout: time.Minute}))
		if err != nil {
			log.Fatal().Err(err).Msg("create bot")
		}
		notifiers = append(notifiers, notify.NewTelegramNotifier(b, users))
	} else {
		log.Warn().Msg("BOT_TOKEN not set, telegram notifications disabled")
	}
	emitter := notify.NewEmitter(notifiers, log, cfg.Billing.OpTimeout)
	defer emitter.Wait()

	bc := cfg.Billing
	wallets := ledger.NewService(db, users, log, ledger.Config{OpTimeout: bc.OpTimeout, ReadTimeout: bc.ReadTimeout})
	callSvc := calls.NewService(db, locker, emitter, log, calls.Config{
		OpTimeout:          bc.OpTimeout,
		RequestWindow:      bc.RequestWindow,
		IdempotencyTTL:     bc.IdempotencyTTL,
		PlatformFeePercent: bc.PlatformFeePercent,
	})
	sessionSvc := sessions.NewService(db, locker, emitter, log, sessions.Config{
		OpTimeout:          bc.OpTimeout,
		TickInterval:       bc.TickInterval,
		TickTolerance:      bc.TickTolerance,
		IdleTimeout:        bc.IdleTimeout,
		IdempotencyTTL:     bc.IdempotencyTTL,
		PlatformFeePercent: bc.PlatformFeePercent,
	})
	renewalSvc := renewal.NewService(db, locker, emitter, log, renewal.Config{
		OpTimeout:          bc.OpTimeout,
		MaxFailures:        bc.RenewalMaxFailures,
		RetryDelay:         bc.RenewalRetryDelay,
		BatchSize:          bc.RenewalBatchSize,
		IdempotencyTTL:     bc.IdempotencyTTL,
		PlatformFeePercent: bc.PlatformFeePercent,
	})

	sweeps := scheduler.NewScheduler(log,
		scheduler.Job{Name: "call-expiry", Interval: bc.ExpiryEvery, Timeout: bc.ExpiryEvery, Run: callSvc.ExpireStale},
		scheduler.Job{Name: "session-reaper", Interval: bc.ReaperEvery, Timeout: bc.ReaperEvery, Run: sessionSvc.ReapIdle},
		scheduler.Job{Name: "renewals", Interval: bc.RenewalEvery, Timeout: bc.RenewalEvery, Run: func(ctx context.Context) (int, error) {
			res, err := renewalSvc.ProcessRenewals(ctx)
			if err != nil {
				return 0, err
			}
			return res.Charged + res.Failed + res.Expired, nil
		}},
	)
	sweeps.Start()
	defer sweeps.Stop()

	if log.GetLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Ledger:        wallets,
		Calls:         callSvc,
		Sessions:      sessionSvc,
		Renewal:       renewalSvc,
		Links:         users,
		Health:        map[string]httpapi.Pinger{"store": db, "redis": rdb},
		Log:           log,
		BotUsername:   cfg.Bot.Username,
		LinkTTL:       cfg.Bot.LinkTTL,
		InternalToken: cfg.HTTP.InternalToken,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	})
	if b != nil {
		mw := middleware.NewMiddlewares(users, log)
		h := handlers.NewHandlers(users, wallets, log)
		b.RegisterHandlerMatchFunc(func(update *models.Update) bool {
			return update.Message != nil
		}, mw.ResolveUser(h.MainHandler))

		g.Go(func() error {
			log.Info().Msg("bot started")
			b.Start(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped")
		return
	}
	log.Info().Msg("shutdown complete")
}

func newLogger(c config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if c.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func openStore(ctx context.Context, c config.StoreConfig) (datastore, error) {
	switch c.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewPostgresStore(ctx, c.PostgresDSN)
	}
}
