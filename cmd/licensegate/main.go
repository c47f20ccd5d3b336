package main

import (
	"context"
	"log/slog"
	"os"

	"licensegate/internal/app"
	"licensegate/internal/config"
	"licensegate/internal/infrastructure"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx := infrastructure.EnsureTraceID(context.Background())

	application, err := app.New(ctx, app.Options{})
	if err != nil {
		slog.Error("Failed to initialize license supervisor", slog.String("error", err.Error()))
		return config.ExitConfig
	}
	defer application.Stop(ctx)

	return application.Run(ctx, args).ExitCode
}
