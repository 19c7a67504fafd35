package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/alifeinbinary/penny/internal/taskrunner"
)

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
	if os.Getenv("ENV") == "production" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	tasksFile := os.Getenv("TASKS_FILE")
	if tasksFile == "" {
		tasksFile = "./tasks.yaml"
	}

	tasks, err := taskrunner.LoadTasks(tasksFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", tasksFile).Msg("loading tasks failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := taskrunner.NewRunner(tasks, logger)
	runner.Run(ctx)
}
