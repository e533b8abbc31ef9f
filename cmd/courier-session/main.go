package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/CourierDesk/config"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	if id := os.Getenv("userId"); id != "" {
		cfg.Session.UserID = id
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = RunSession(ctx, cfg, defaultSessionFactories(), sessionHTTPOpts{
		httpAddr:    cfg.Session.HTTPAddr,
		swaggerPath: firstNonEmpty(os.Getenv("swaggerPath"), cfg.Session.SwaggerPath),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
