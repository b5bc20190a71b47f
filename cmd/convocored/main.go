package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ortusmarket/convo-core/internal/capture"
	"github.com/ortusmarket/convo-core/internal/config"
	"github.com/ortusmarket/convo-core/internal/controller"
	"github.com/ortusmarket/convo-core/internal/database"
	"github.com/ortusmarket/convo-core/internal/inbox"
	"github.com/ortusmarket/convo-core/internal/indicator"
	"github.com/ortusmarket/convo-core/internal/models"
	"github.com/ortusmarket/convo-core/internal/notify"
	"github.com/ortusmarket/convo-core/internal/observability"
	"github.com/ortusmarket/convo-core/internal/store"
	"github.com/ortusmarket/convo-core/internal/transport"
	"github.com/ortusmarket/convo-core/internal/upload"
	"github.com/ortusmarket/convo-core/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg)
	observability.RegisterMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := database.ConnectRedis(cfg.RedisURL, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("continuing without snapshot cache")
	}
	var cache *store.SnapshotCache
	if redisClient != nil {
		cache = store.NewSnapshotCache(redisClient, "convo", cfg.SnapshotCacheTTL, logger)
	}

	natsConn, err := notify.Connect(cfg.NatsURL, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("continuing without notification mirror")
	}
	mirror := notify.NewMirror(natsConn, cfg.NatsSubjectBase, logger)

	inboxClient := inbox.NewClient(cfg.InboxBaseURL, cfg.AuthToken, logger)

	var storage upload.FileStorage
	if cfg.CloudinaryCloudName != "" {
		storage, err = cloudinary.New(cloudinary.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize cloudinary storage")
		}
	} else {
		storage = &inboxStorage{client: inboxClient}
	}

	realtime := transport.NewClient(cfg.RealtimeURL, transport.StaticToken(cfg.AuthToken), logger)
	if err := realtime.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect realtime transport")
	}

	conversations := store.New(models.Role(cfg.UserRole), cache, logger)

	ctrl := controller.New(controller.Options{
		Identity: controller.Identity{
			UserID:   cfg.UserID,
			UserName: cfg.UserName,
			Role:     models.Role(cfg.UserRole),
		},
		Inbox:    inboxClient,
		Realtime: realtime,
		Store:    conversations,
		Storage:  storage,
		Device:   headlessDevice{},
		Prober:   headlessProber{},
		Player:   headlessPlayer{},
		Mirror:   mirror,
		Indicator: indicator.Config{
			Debounce: cfg.TypingDebounce,
			Linger:   cfg.IndicatorLinger,
			Tick:     cfg.RecordingTick,
		},
		AttachmentCap: cfg.AttachmentCap,
		UploadWait:    cfg.UploadWaitTimeout,
		ProbeTimeout:  cfg.ProbeTimeout,
		Logger:        logger,
	})
	defer ctrl.Close()

	if _, err := ctrl.RefreshThreads(ctx, inbox.ThreadFilter{}); err != nil {
		logger.Warn().Err(err).Msg("initial thread refresh failed")
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: true,
	})
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", observability.MetricsHandler())

	go func() {
		logger.Info().Str("address", cfg.MetricsAddress()).Msg("metrics server listening")
		if err := app.Listen(cfg.MetricsAddress()); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown failed")
	}
	_ = realtime.Close()
	if natsConn != nil {
		_ = natsConn.Drain()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.AppEnv == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().
		Timestamp().
		Str("service", "convocored").
		Logger()
}

// inboxStorage uploads attachments through the Inbox API when no dedicated
// storage backend is configured.
type inboxStorage struct {
	client *inbox.Client
}

func (s *inboxStorage) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}

	attachments, err := s.client.UploadFiles(ctx, []inbox.UploadFile{{Name: name, Data: data}}, nil, nil)
	if err != nil {
		return "", err
	}
	if len(attachments) == 0 {
		return "", errors.New("inbox upload returned no attachments")
	}
	return attachments[0].URL, nil
}

// The daemon runs without microphone or speaker access; desktop and mobile
// surfaces embedding the controller inject real device implementations.

type headlessDevice struct{}

func (headlessDevice) Acquire(context.Context) (capture.Stream, error) {
	return nil, capture.ErrNoDevice
}

type headlessProber struct{}

func (headlessProber) Probe(context.Context, []byte) (float64, error) {
	return 0, nil
}

type headlessPlayer struct{}

func (headlessPlayer) Play(context.Context, string) (<-chan struct{}, float64, error) {
	return nil, 0, errors.New("audio output unavailable in headless mode")
}

func (headlessPlayer) Pause() error { return nil }

func (headlessPlayer) Resume() error { return nil }

func (headlessPlayer) Seek(float64) error { return nil }

func (headlessPlayer) Stop() error { return nil }

func (headlessPlayer) Position() float64 { return 0 }
