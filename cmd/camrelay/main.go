package main

import (
	"fmt"
	"os"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera drivers
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone drivers

	"camrelay/native/internal/app"
	"camrelay/native/internal/cli"
	"camrelay/native/internal/config"
	xlog "camrelay/native/internal/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "camrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	xlog.Configure(xlog.Config{Level: cfg.LogLevel})

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}

	deps := &cli.Dependencies{
		Listen:     cfg.Listen,
		Devices:    application.Devices,
		Recordings: application.Recordings,
		Control:    application.Control,
	}
	return cli.NewRootCmd(deps).Execute()
}
