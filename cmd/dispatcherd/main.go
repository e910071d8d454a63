// Command dispatcherd runs the orchestrator core's server-side
// processes: the Job Dispatcher's agent protocol (internal/httpapi),
// the cron-driven Scheduler (internal/scheduler), and the admin
// trigger/read API (internal/adminapi), started and stopped in
// dependency order by internal/platform/lifecycle.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/synqx/pipeline-core/internal/adminapi"
	"github.com/synqx/pipeline-core/internal/config"
	"github.com/synqx/pipeline-core/internal/dispatcher"
	"github.com/synqx/pipeline-core/internal/httpapi"
	"github.com/synqx/pipeline-core/internal/logging"
	pgmigrations "github.com/synqx/pipeline-core/internal/platform/migrations"
	"github.com/synqx/pipeline-core/internal/platform/lifecycle"
	"github.com/synqx/pipeline-core/internal/scheduler"
	"github.com/synqx/pipeline-core/internal/state"
	"github.com/synqx/pipeline-core/internal/telemetry"

	"github.com/go-redis/redis/v8"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	migrationsDir := flag.String("migrations", "migrations", "path to the SQL migrations directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Logging)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		log.WithError(err).Fatal("connect to database")
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := pgmigrations.Apply(db.DB, *migrationsDir); err != nil {
		log.WithError(err).Fatal("apply migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	balancer := dispatcher.NewBalancer(redisClient)

	dispatcherStore := dispatcher.NewPostgresStore(db)
	sm := state.New(state.NewPostgresStore(db), nil)
	disp := dispatcher.New(dispatcherStore, sm, balancer)

	hub := telemetry.NewHub()
	ingress := telemetry.NewIngress(sm, hub)

	agentServer := &httpapi.Server{
		Dispatcher: disp,
		Telemetry:  ingress,
		Hub:        hub,
		Store:      dispatcherStore,
		Log:        log,
		Addr:       cfg.Server.AgentAddr,
	}

	schedulerStore := scheduler.NewPostgresStore(db)
	sched := scheduler.New(schedulerStore, log, cfg.Scheduler.TickInterval)

	adminStore := adminapi.NewPostgresStore(db)
	adminStore.Balancer = balancer
	adminServer := &adminapi.Server{
		Store:     adminStore,
		Log:       log,
		Addr:      cfg.Server.AdminAddr,
		JWTSecret: cfg.Admin.JWTSecret,
	}

	manager := lifecycle.NewManager()
	for _, svc := range []lifecycle.Service{agentServer, sched, adminServer} {
		if err := manager.Register(svc); err != nil {
			log.WithError(err).Fatal("register service")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Fatal("start services")
	}
	log.Info("dispatcherd started")

	<-ctx.Done()
	log.Info("dispatcherd shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.Stop(stopCtx); err != nil {
		log.WithError(err).Error("stop services")
	}
	_ = os.Stdout.Sync()
}
