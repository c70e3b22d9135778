// Путь: cmd/relay-server/main.go
// Команда relay-server запускает релей: учет присутствия и слепая пересылка
// зашифрованных сообщений между подключенными пирами. Никакого состояния на
// диске: рестарт процесса эквивалентен одновременному отключению всех.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"WaveTalk/internal/relay"
	"WaveTalk/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "путь к файлу конфигурации (TOML)")
	addr := flag.String("addr", "", "адрес прослушивания (перекрывает конфигурацию)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// Логгера еще нет, конфигурация не загрузилась.
		panic(err)
	}

	var logger *zap.Logger
	if cfg.Log.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	registry := relay.NewRegistry()
	server := relay.NewServer(registry, logger)

	mux := http.NewServeMux()
	mux.Handle(cfg.Relay.Path, server)

	listenAddr := cfg.Addr()
	if *addr != "" {
		listenAddr = *addr
	}

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	logger.Info("релей запускается",
		zap.String("addr", listenAddr),
		zap.String("path", cfg.Relay.Path),
	)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("ошибка HTTP-сервера", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("получен сигнал завершения, останавливаемся")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("ошибка при остановке", zap.Error(err))
	}
}
