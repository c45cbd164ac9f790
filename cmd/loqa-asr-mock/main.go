package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-asr/internal/mockserver"
)

var version = "0.1.0-dev"

func main() {
	var (
		addr          string
		certFile      string
		keyFile       string
		command       string
		model         string
		language      string
		partials      string
		final         string
		chunkInterval int
		endpoint      int
		showVersion   bool
	)

	flag.StringVar(&addr, "addr", "127.0.0.1:10095", "Listen address")
	flag.StringVar(&certFile, "certfile", "", "TLS certificate; serves wss when set")
	flag.StringVar(&keyFile, "keyfile", "", "TLS key")
	flag.StringVar(&command, "command", "", "External recognizer command; scripted replies are used when empty")
	flag.StringVar(&model, "model", "", "Model path passed to the recognizer command")
	flag.StringVar(&language, "language", "", "Language passed to the recognizer command")
	flag.StringVar(&partials, "partials", "你,好", "Comma-separated scripted streaming replies")
	flag.StringVar(&final, "final", "", "Scripted final reply; defaults to the joined partials")
	flag.IntVar(&chunkInterval, "chunk-interval", 10, "Audio frames per streaming pass")
	flag.IntVar(&endpoint, "endpoint-frames", 0, "End an utterance after this many frames; 0 waits for is_speaking false")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	newRecognizer, err := recognizerFactory(command, model, language, partials, final)
	if err != nil {
		logger.Error("invalid recognizer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := mockserver.New(mockserver.Options{
		NewRecognizer:  newRecognizer,
		ChunkInterval:  chunkInterval,
		EndpointFrames: endpoint,
		Logger:         logger,
	})
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		scheme := "ws"
		var err error
		if certFile != "" {
			scheme = "wss"
			logger.Info("mock recognition server listening", slog.String("url", scheme+"://"+addr))
			err = httpServer.ListenAndServeTLS(certFile, keyFile)
		} else {
			logger.Info("mock recognition server listening", slog.String("url", scheme+"://"+addr))
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.DropAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
}

func recognizerFactory(command, model, language, partials, final string) (func() mockserver.Recognizer, error) {
	if command != "" {
		rec, err := mockserver.NewExecRecognizer(command, model, language)
		if err != nil {
			return nil, err
		}
		return func() mockserver.Recognizer { return rec }, nil
	}
	var script []string
	for _, p := range strings.Split(partials, ",") {
		if p = strings.TrimSpace(p); p != "" {
			script = append(script, p)
		}
	}
	return func() mockserver.Recognizer {
		return &mockserver.ScriptedRecognizer{Partials: script, Final: final}
	}, nil
}
