package main

import (
	"context"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/applydeck/applydeck/config"
	"github.com/applydeck/applydeck/internal/api/handlers"
	"github.com/applydeck/applydeck/internal/api/middleware"
	"github.com/applydeck/applydeck/internal/api/routes"
	"github.com/applydeck/applydeck/internal/cache"
	"github.com/applydeck/applydeck/internal/logger"
	"github.com/applydeck/applydeck/internal/notify"
	"github.com/applydeck/applydeck/internal/services"
	"github.com/applydeck/applydeck/internal/store"
	pgstore "github.com/applydeck/applydeck/internal/store/postgres"
	sqlitestore "github.com/applydeck/applydeck/internal/store/sqlite"
)

func main() {
	_ = godotenv.Load()
	log := logger.New()

	// The store is constructed here and injected; nothing below holds
	// process-global state.
	var st store.EntityStore
	switch os.Getenv("DB_BACKEND") {
	case "postgres":
		db, err := config.OpenPostgres()
		if err != nil {
			log.Fatalf("postgres init error: %v", err)
		}
		pg := pgstore.New(db)
		if err := pg.AutoMigrate(); err != nil {
			log.Fatalf("postgres migrate error: %v", err)
		}
		st = pg
		log.Info("postgres store ready")
	default:
		db, err := config.OpenSQLite()
		if err != nil {
			log.Fatalf("sqlite init error: %v", err)
		}
		st = sqlitestore.New(db)
		log.Info("sqlite store ready")
	}

	rdb, err := config.OpenRedis(context.Background())
	if err != nil {
		log.Fatalf("redis init error: %v", err)
	}

	var (
		cch cache.Cache     = cache.Noop{}
		ntf notify.Notifier = notify.Noop{}
	)
	if rdb != nil {
		cch = cache.NewRedisCache(rdb)
		ntf = notify.NewRedisNotifier(rdb)
		log.Info("redis connected")
	} else {
		log.Info("redis not configured, status cache and change events disabled")
	}

	svc := services.NewSyncService(st, cch, ntf, log)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))

	routes.RegisterRoutes(r, routes.Deps{
		Sync:   handlers.NewSyncHandler(svc),
		Events: handlers.NewEventsHandler(rdb),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
