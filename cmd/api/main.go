package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/vallenar/pos-core/internal/api"
	"github.com/vallenar/pos-core/internal/auth"
	"github.com/vallenar/pos-core/internal/cash"
	"github.com/vallenar/pos-core/internal/config"
	"github.com/vallenar/pos-core/internal/database"
	"github.com/vallenar/pos-core/internal/notify"
	"github.com/vallenar/pos-core/internal/queue"
	"github.com/vallenar/pos-core/internal/reports"
	"github.com/vallenar/pos-core/internal/sales"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	log.Printf("Connected to database successfully")

	limiter := auth.NewAttemptLimiter(cfg.Auth.MaxPINAttempts, cfg.Auth.AttemptWindow)
	validator := auth.NewValidator(db, limiter)
	notifier := notify.LogSink{}

	processor := sales.NewProcessor(db, validator, notifier, cfg.Loyalty.AccrualDivisor)
	ledger := cash.NewLedger(db, validator, notifier, cfg.Cash)
	dispatcher := queue.NewDispatcher(db, notifier, cfg.Queue)
	reporter := reports.NewService(db)

	location, err := time.LoadLocation(cfg.Queue.Timezone)
	if err != nil {
		log.Fatalf("Load timezone %s: %v", cfg.Queue.Timezone, err)
	}

	scheduler := gocron.NewScheduler(location)
	scheduler.Every(cfg.Queue.SweepInterval).Do(func() {
		n, err := dispatcher.RequeueNoShows(context.Background())
		if err != nil {
			log.Printf("queue sweep: %v", err)
			return
		}
		if n > 0 {
			log.Printf("queue sweep: requeued %d no-show tickets", n)
		}
	})
	scheduler.Every(1).Day().At(cfg.Queue.PurgeAt).Do(func() {
		n, err := dispatcher.PurgeDay(context.Background())
		if err != nil {
			log.Printf("queue purge: %v", err)
			return
		}
		log.Printf("queue purge: cancelled %d leftover tickets", n)
	})
	scheduler.StartAsync()

	api.InitMetrics()
	handler := api.New(validator, processor, ledger, dispatcher, reporter, cfg)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("Server starting on port %s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
