package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/cmd/maintain"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/cmd/migrate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "neodeskpet-memory",
		Usage: "Hybrid long-term memory engine for the desk pet assistant",
		Commands: []*cli.Command{
			migrate.Command(),
			maintain.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
