package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proximity_attendance/internal/app"
	"proximity_attendance/internal/domain/attendance"
	"proximity_attendance/internal/domain/consensus"
	"proximity_attendance/internal/domain/geo"
	"proximity_attendance/internal/domain/notify"
	"proximity_attendance/internal/domain/roster"
	"proximity_attendance/internal/domain/scan"
	"proximity_attendance/internal/domain/session"
	dsignal "proximity_attendance/internal/domain/signal"
	"proximity_attendance/internal/infra/config"
	idb "proximity_attendance/internal/infra/database"
	"proximity_attendance/internal/infra/httpapi"
	"proximity_attendance/internal/infra/logger"
	"proximity_attendance/internal/infra/memory"
	"proximity_attendance/internal/infra/scheduler"
	"proximity_attendance/internal/infra/telegram"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

type repositories struct {
	sessions  session.Repository
	scans     scan.Repository
	presence  geo.Repository
	tracks    attendance.Repository
	directory roster.Directory
	db        *sql.DB
}

func openRepositories(ctx context.Context, cfg *config.AppConfig, log *logrus.Entry) (*repositories, error) {
	if cfg.StorageBackend == "memory" {
		log.Warn("Using in-memory storage, nothing survives a restart")
		return &repositories{
			sessions:  memory.NewSessionRepository(),
			scans:     memory.NewScanRepository(),
			presence:  memory.NewGeoRepository(),
			tracks:    memory.NewAttendanceRepository(),
			directory: memory.NewDirectory(),
		}, nil
	}

	db, err := idb.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := idb.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("Database connection established and schema applied")
	return &repositories{
		sessions:  idb.NewPostgresSessionRepository(db),
		scans:     idb.NewPostgresScanRepository(db),
		presence:  idb.NewPostgresGeoRepository(db),
		tracks:    idb.NewPostgresAttendanceRepository(db),
		directory: idb.NewPostgresRosterDirectory(db),
		db:        db,
	}, nil
}

func newBot(cfg *config.AppConfig, log *logrus.Entry) (*telebot.Bot, error) {
	pref := telebot.Settings{
		Token:  cfg.TelegramToken,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c telebot.Context) {
			entry := log.WithError(err)
			if c != nil && c.Sender() != nil && c.Chat() != nil {
				entry = entry.WithFields(logrus.Fields{
					"text":      c.Text(),
					"sender_id": c.Sender().ID,
					"chat_id":   c.Chat().ID,
				})
			}
			entry.Error("Telegram handler failed")
		},
	}
	return telebot.NewBot(pref)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.WithError(err).Fatal("Could not load application configuration")
	}
	logger.Init(cfg)
	mainLogger := logger.Component("main")
	mainLogger.WithFields(logrus.Fields{
		"storage":   cfg.StorageBackend,
		"http_addr": cfg.HTTPAddr,
		"telegram":  cfg.TelegramToken != "",
	}).Info("Proximity attendance service starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repos, err := openRepositories(ctx, cfg, mainLogger)
	if err != nil {
		mainLogger.WithError(err).Fatal("Could not initialize storage")
	}
	if repos.db != nil {
		defer repos.db.Close()
	}

	// Notifications go to Telegram when a token is configured, otherwise to the log.
	var bot *telebot.Bot
	var sink notify.Notifier = app.NewLogNotifier(logger.Component("notifier"))
	if cfg.TelegramToken != "" {
		bot, err = newBot(cfg, logger.Component("telebot"))
		if err != nil {
			mainLogger.WithError(err).Fatal("Could not create Telegram bot")
		}
		sink = telegram.NewNotifier(telegram.NewTelebotAdapter(bot), cfg.AdminTelegramID, logger.Component("telegram_notifier"))
	}
	notifier := app.NewAsyncNotifier(sink, 256, 10*time.Second, logger.Component("notifier"))

	engine := consensus.NewEngine(
		consensus.Policy{
			AcceptanceFloorRSSI: cfg.ConsensusFloorRSSI,
			StrongRSSI:          cfg.ConsensusStrongRSSI,
			PeerQuorum:          cfg.ConsensusPeerQuorum,
		},
		dsignal.Filter{Default: dsignal.BeaconProfile{
			ReferenceRSSI:    cfg.SignalReferenceRSSI,
			PathLossExponent: cfg.SignalPathLossExponent,
			MaxRadiusMeters:  cfg.SignalMaxRadiusMeters,
			MinRSSI:          cfg.SignalMinRSSI,
		}},
	)
	detector := geo.NewDetector(geo.DetectorConfig{
		MaxSpeedMPS:     cfg.GeoMaxSpeedMPS,
		ToleranceMeters: cfg.GeoToleranceMeters,
		FarFactor:       cfg.GeoFarFactor,
	})

	locks := app.NewSessionLocks()
	events := app.NewAsyncRoundEvents(time.Minute, logger.Component("round_events"))

	roundService := app.NewRoundService(repos.sessions, repos.directory, repos.tracks, events, notifier, locks, logger.Component("rounds"))
	ingestionService := app.NewIngestionService(repos.scans, repos.sessions, repos.directory, cfg.SnapshotTTL, logger.Component("ingestion"))
	consensusService := app.NewConsensusService(engine, repos.sessions, repos.scans, repos.directory, repos.presence, repos.tracks, notifier, locks, logger.Component("consensus"))
	presenceService := app.NewPresenceService(repos.presence, repos.sessions, repos.directory, detector, notifier, logger.Component("presence"))
	attendanceService := app.NewAttendanceService(repos.sessions, repos.tracks, repos.scans, repos.directory, notifier, locks,
		attendance.AggregatePolicy{Threshold: cfg.AttendanceThreshold, GracePeriod: cfg.AttendanceGracePeriod},
		logger.Component("attendance"))

	events.Subscribe(consensusService.RoundCompleted)
	roundService.OnSessionChange(ingestionService.Invalidate)
	mainLogger.Info("Services initialized")

	sched := scheduler.NewAttendanceScheduler(
		roundService,
		attendanceService,
		consensusService,
		logger.Component("scheduler"),
		scheduler.Specs{
			RoundSweep:   cfg.CronSpecRoundSweep,
			SessionSweep: cfg.CronSpecSessionSweep,
			Reconcile:    cfg.CronSpecReconcile,
		},
	)
	if err := sched.Start(); err != nil {
		mainLogger.WithError(err).Fatal("Could not start scheduler")
	}

	server := httpapi.NewApp(
		httpapi.NewHandler(roundService, ingestionService, consensusService, presenceService, attendanceService),
		logger.Component("http"),
	)
	serverErr := make(chan error, 1)
	go func() {
		mainLogger.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		serverErr <- server.Listen(cfg.HTTPAddr)
	}()

	if bot != nil {
		botLogger := logger.Component("telegram")
		telegram.RegisterBotCommands(bot, cfg.AdminTelegramID, botLogger)
		telegram.RegisterRoundHandlers(ctx, bot, telegram.Services{
			Rounds:    roundService,
			Consensus: consensusService,
			Presence:  presenceService,
			Directory: repos.directory,
		}, cfg.AdminTelegramID, botLogger)
		telegram.RegisterAnomalyCallbackHandlers(ctx, bot, presenceService, cfg.AdminTelegramID, botLogger)
		go bot.Start()
		mainLogger.Info("Telegram bot started")
	}

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			mainLogger.WithError(err).Error("HTTP server stopped")
		}
	}

	mainLogger.Info("Shutting down application...")
	sched.Stop()
	if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
		mainLogger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	if bot != nil {
		bot.Stop()
	}
	events.Wait()
	notifier.Close()
	mainLogger.Info("Application shut down gracefully")
}
