package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mentorhub/livecall/internal/config"
	"github.com/mentorhub/livecall/internal/domain"
	"github.com/mentorhub/livecall/internal/history"
	"github.com/mentorhub/livecall/internal/hub"
	"github.com/mentorhub/livecall/internal/server"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("[main] config: %v", err)
	}

	var recorder domain.CallRecorder = history.Nop{}
	if cfg.HistoryURL != "" {
		recorder = history.NewClient(cfg.HistoryURL)
		log.Printf("[main] recording call history to %s", cfg.HistoryURL)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.New(recorder, cfg.GracePeriod, cfg.EmptyRoomTTL)
	go h.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.NewRouter(h),
	}

	go func() {
		log.Printf("[main] signaling server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[main] listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] shutdown: %v", err)
	}
}
