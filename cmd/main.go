package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(); err != nil {
		application.Log.Error("Startup failed", "error", err)
		os.Exit(1)
	}

	application.Log.Info("qt-maker worker is up")
	<-ctx.Done()
	application.Log.Info("Shutting down...")
}
