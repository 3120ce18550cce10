package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/oddslens/oddslens/internal/cache"
	"github.com/oddslens/oddslens/internal/config"
	"github.com/oddslens/oddslens/internal/feed"
	"github.com/oddslens/oddslens/internal/feed/kalshi"
	"github.com/oddslens/oddslens/internal/feed/polymarket"
	"github.com/oddslens/oddslens/internal/hub"
	"github.com/oddslens/oddslens/internal/server"
)

func main() {
	// .env is optional; real deployments configure through the environment.
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var signer *kalshi.Signer
	if s, err := kalshi.NewSigner(cfg.Kalshi.APIKeyID, cfg.Kalshi.PrivateKey); err != nil {
		log.Printf("kalshi: auth unavailable, feed will poll: %v", err)
	} else {
		signer = s
	}

	h := hub.New(hub.Config{
		MaxDepth: cfg.MaxBookDepth,
		NewPolymarket: func() feed.Feed {
			return polymarket.New(polymarket.Config{
				URL:        cfg.Polymarket.WSURL,
				YesTokenID: cfg.Polymarket.YesTokenID,
			})
		},
		NewKalshi: func() feed.Feed {
			return kalshi.New(kalshi.Config{
				WSURL:        cfg.Kalshi.WSURL,
				RESTBase:     cfg.Kalshi.RESTBase,
				MarketTicker: cfg.Kalshi.MarketTicker,
				Signer:       signer,
			})
		},
	})

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		writer := cache.NewTopOfBookWriter(cache.Wrap(rdb), h, cfg.Kalshi.MarketTicker)
		go writer.Run(ctx)
		log.Printf("cache: mirroring top of book to %s", cfg.Redis.Addr)
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.New(h).Routes(),
	}

	go func() {
		log.Printf("oddslens: serving %q on %s", cfg.Market.Question, cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("oddslens: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http: shutdown: %v", err)
	}
}
