package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/streadway/amqp"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/redis"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	callbackhandler "github.com/naebak/notifications-service/internal/api/handlers/callback"
	inboxhandler "github.com/naebak/notifications-service/internal/api/handlers/inbox"
	notifhandler "github.com/naebak/notifications-service/internal/api/handlers/notification"
	opshandler "github.com/naebak/notifications-service/internal/api/handlers/ops"
	prefhandler "github.com/naebak/notifications-service/internal/api/handlers/preference"
	tplhandler "github.com/naebak/notifications-service/internal/api/handlers/template"
	"github.com/naebak/notifications-service/internal/api/router"
	"github.com/naebak/notifications-service/internal/api/server"
	"github.com/naebak/notifications-service/internal/cache"
	"github.com/naebak/notifications-service/internal/channel"
	"github.com/naebak/notifications-service/internal/config"
	"github.com/naebak/notifications-service/internal/preference"
	"github.com/naebak/notifications-service/internal/queue"
	inboxrepo "github.com/naebak/notifications-service/internal/repository/inbox"
	notifrepo "github.com/naebak/notifications-service/internal/repository/notification"
	prefrepo "github.com/naebak/notifications-service/internal/repository/preference"
	templaterepo "github.com/naebak/notifications-service/internal/repository/template"
	"github.com/naebak/notifications-service/internal/ratelimit"
	"github.com/naebak/notifications-service/internal/scheduler"
	notifsvc "github.com/naebak/notifications-service/internal/service/notification"
	"github.com/naebak/notifications-service/internal/template"
	"github.com/naebak/notifications-service/internal/tracker"
	"github.com/naebak/notifications-service/internal/worker"
	"github.com/naebak/notifications-service/pkg/email"
	"github.com/naebak/notifications-service/pkg/metrics"
	"github.com/naebak/notifications-service/pkg/push"
	"github.com/naebak/notifications-service/pkg/sms"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog.Init()
	cfg := config.Must()
	val := validator.New()

	conn, err := connectRabbitMQ(cfg.RabbitMQ)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to open channel")
	}

	q, err := queue.New(ch)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to declare queue topology")
	}

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	records := notifrepo.NewRepository(db)
	templates := templaterepo.NewRepository(db)
	prefs := prefrepo.NewRepository(db)
	inbox := inboxrepo.NewRepository(db)

	dbNum, err := strconv.Atoi(cfg.Redis.Database)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to parse redis database")
	}

	rdb := redis.New(cfg.Redis.Address, cfg.Redis.Password, dbNum)
	if err = rdb.Ping(ctx).Err(); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	// Status reads are cache-first, so every pipeline transition has to
	// write through to the cache.
	pipelineRecords := cache.NewRecords(records, rdb, cfg.Retry)

	smtpPort, err := strconv.Atoi(cfg.Email.SMTPPort)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to parse email smtp port")
	}

	emailClient := email.NewClient(
		cfg.Email.SMTPHost,
		smtpPort,
		cfg.Email.Username,
		cfg.Email.Password,
		cfg.Email.From,
	)
	smsClient := sms.NewClient(cfg.SMS.APIURL, cfg.SMS.APIKey, cfg.SMS.Sender)
	pushClient := push.NewClient(cfg.Push.Endpoint, cfg.Push.ServerKey)

	dispatchers := []channel.Dispatcher{
		channel.NewEmailDispatcher(emailClient),
		channel.NewSMSDispatcher(smsClient),
		channel.NewPushDispatcher(pushClient),
		channel.NewInAppDispatcher(inbox),
	}

	renderer := template.NewRenderer(templates)
	filter := preference.NewFilter(prefs, cfg.Notifications.DefaultTimezone)
	limiter := ratelimit.New(cfg.RateLimits)
	m := metrics.New()

	controller := worker.NewController(
		pipelineRecords,
		q,
		cfg.Notifications.BaseRetryDelay,
		cfg.Notifications.MaxRetryDelay,
		cfg.Retry,
		m,
	)

	pool := worker.NewPool(q, pipelineRecords, filter, renderer, limiter, dispatchers, controller, q, m, worker.Config{
		Count:           cfg.Workers.Count,
		Prefetch:        cfg.RabbitMQ.Prefetch,
		LeaseTTL:        cfg.Workers.LeaseTTL,
		DispatchTimeout: cfg.Workers.DispatchTimeout,
		RateDeferDelay:  cfg.Workers.RateDeferDelay,
		Strategy:        cfg.Retry,
	})

	go func() {
		if err := pool.Run(ctx); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("worker pool failed")
		}
	}()

	sched, err := scheduler.New(pipelineRecords, q, cfg.Retry)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to create scheduler")
	}
	sched.Start()

	go pollQueueDepth(ctx, q, m)

	service := notifsvc.NewService(records, q, rdb, cfg.Notifications.MaxRetries)
	track := tracker.NewTracker(pipelineRecords, controller)

	r := router.New(router.Handlers{
		Notification: notifhandler.NewHandler(service, val, cfg),
		Preference:   prefhandler.NewHandler(prefs, val),
		Template:     tplhandler.NewHandler(templates, val),
		Inbox:        inboxhandler.NewHandler(inbox),
		Callback:     callbackhandler.NewHandler(track, val),
		Ops:          opshandler.NewHandler(service),
		Metrics:      metrics.Handler(),
	})
	s := server.New(cfg.Server.HTTPPort, r)

	go func() {
		if err := s.ListenAndServe(); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	zlog.Logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}

	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	sched.Stop()

	if err := db.Master.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close master DB")
	}

	for i, slave := range db.Slaves {
		if err := slave.Close(); err != nil {
			zlog.Logger.Error().Err(err).Int("slave", i).Msg("failed to close slave DB")
		}
	}

	if err := ch.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close RabbitMQ channel")
	}

	if err := conn.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close RabbitMQ connection")
	}
}

// connectRabbitMQ dials the broker with reconnection attempts, since the
// broker may still be starting when the service comes up.
func connectRabbitMQ(cfg config.RabbitMQ) (*amqp.Connection, error) {
	var conn *amqp.Connection

	strategy := retry.Strategy{Attempts: cfg.Retries, Delay: cfg.Pause, Backoff: 2}
	err := retry.Do(func() error {
		var err error
		conn, err = amqp.Dial(cfg.URL())
		if err != nil {
			return fmt.Errorf("dial rabbitmq: %w", err)
		}
		return nil
	}, strategy)

	return conn, err
}

// pollQueueDepth samples the main queue length for the metrics gauge.
func pollQueueDepth(ctx context.Context, q *queue.Manager, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := q.Depth(ctx)
			if err != nil {
				zlog.Logger.Error().Err(err).Msg("failed to inspect queue depth")
				continue
			}
			m.SetQueueDepth(depth)
		}
	}
}
