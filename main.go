package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	roomchat "github.com/putto11262002/roomchat/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	config, err := roomchat.LoadConfig()
	if err != nil {
		failed(1, "failed to load config: %v\n", err)
	}

	app, err := roomchat.New(ctx, config)
	if err != nil {
		failed(1, "%v\n", err)
	}

	if err := app.Start(); err != nil {
		failed(1, "%v\n", err)
	}
}

func failed(code int, s string, args ...any) {
	fmt.Fprintf(os.Stderr, s, args...)
	os.Exit(code)
}
