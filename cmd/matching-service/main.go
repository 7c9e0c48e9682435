package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/synaptica-ai/patient-matching/pkg/common/auth"
	"github.com/synaptica-ai/patient-matching/pkg/common/config"
	"github.com/synaptica-ai/patient-matching/pkg/common/database"
	"github.com/synaptica-ai/patient-matching/pkg/common/kafka"
	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/common/middleware"
	"github.com/synaptica-ai/patient-matching/pkg/matching"
	"github.com/synaptica-ai/patient-matching/pkg/matchstore"
	"github.com/synaptica-ai/patient-matching/pkg/notification"
	"github.com/synaptica-ai/patient-matching/pkg/patient"
	"github.com/synaptica-ai/patient-matching/pkg/reaper"
	"github.com/synaptica-ai/patient-matching/pkg/similarity"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres()

	patients := patient.NewRepository(db)
	if err := patients.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate patient tables")
	}
	store := matchstore.NewGormStore(db)
	if err := store.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate match tables")
	}

	settings, err := similarity.LoadSettings(cfg.SimilaritySettingsPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load similarity settings")
	}
	settings = settings.WithOverrides(cfg.SimilarityScorer, cfg.SimilarityTopN)
	search := similarity.NewFinder(patients, similarity.NewRegistry(), settings, patient.GrantedConsents{})
	logger.Log.WithField("scorer", search.ScorerName()).Info("similarity search configured")

	sender, closeSender, err := buildSender(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to configure notifier")
	}
	defer closeSender()

	recorder := matching.NewRedisRunRecorder(database.GetRedis(cfg))
	defer database.CloseRedis()

	local := matching.NewLocalMatchFinder(patients, search, cfg.MatchingConsentID,
		matching.WithOnlyUpdated(cfg.MatchingOnlyUpdated))
	svc := matching.NewService(store, sender, recorder, local)

	app := &MatchingApp{
		service:  svc,
		store:    store,
		minScore: cfg.MatchingMinScore,
		ready: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := kafka.NewConsumer(cfg, cfg.PatientDeletedTopic, cfg.KafkaGroupID)
	defer consumer.Close()
	go func() {
		if err := consumer.Consume(ctx, reaper.New(store).HandleEvent); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Error("patient deletion consumer stopped")
		}
	}()

	go svc.RunScheduled(ctx, cfg.MatchingInterval, cfg.MatchingMinScore)

	var validator middleware.TokenValidator
	if cfg.AdminJWTSecret != "" {
		manager, err := auth.NewJWTManager(cfg.AdminJWTSecret, cfg.AdminJWTIssuer, cfg.AdminJWTAudience, time.Hour)
		if err != nil {
			logger.Log.WithError(err).Fatal("invalid admin jwt configuration")
		}
		validator = manager
	} else {
		logger.Log.Warn("ADMIN_JWT_SECRET not set, admin API is unauthenticated")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      app.routes(cfg.MaxRequestBody, validator),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Matching Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Matching Service...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Matching Service stopped")
}

// buildSender picks the delivery channel from NOTIFIER_MODE.
func buildSender(cfg *config.Config) (notification.Sender, func(), error) {
	var (
		sender  notification.Sender
		closers []func() error
	)
	switch cfg.NotifierMode {
	case "kafka":
		producer := kafka.NewProducer(cfg, cfg.MatchNotificationTopic, "matching-service")
		closers = append(closers, producer.Close)
		sender = notification.NewKafkaSender(producer)
	case "webhook":
		webhook, err := notification.NewWebhookSender(cfg)
		if err != nil {
			return nil, func() {}, err
		}
		sender = webhook
	case "log", "":
		sender = notification.LogSender{}
	default:
		return nil, func() {}, fmt.Errorf("unknown NOTIFIER_MODE %q", cfg.NotifierMode)
	}

	if cfg.MatchNotificationDLQTopic != "" {
		dlq := kafka.NewProducer(cfg, cfg.MatchNotificationDLQTopic, "matching-service")
		closers = append(closers, dlq.Close)
		sender = notification.WithDeadLetter(sender, dlq)
	}

	return sender, func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Log.WithError(err).Warn("failed to close notifier producer")
			}
		}
	}, nil
}
