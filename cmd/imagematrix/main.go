package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/containerd/containerd/log"
	"github.com/pdtpartners/imagematrix/pkg/command"
	"golang.org/x/sys/unix"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	go func() {
		s := <-sigCh
		log.G(ctx).Infof("Got %v, cancelling builds", s)
		cancel()
	}()

	app := command.NewApp(ctx)
	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imagematrix: %s\n", err)
		os.Exit(1)
	}
}
