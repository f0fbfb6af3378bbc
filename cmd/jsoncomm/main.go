package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"jsoncomm/internal/commands"
	"jsoncomm/logger"
)

const (
	errCommand = 1
	errSetup   = 2
)

func main() {
	log := logger.New("jsoncomm")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := commands.NewRootCmd(log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		log.Flush()
		os.Exit(errSetup)
	}

	err = root.ExecuteContext(ctx)
	log.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(errCommand)
	}
}
