package main

import (
	"fmt"
	"os"

	"geolocate/internal/cli"
	"geolocate/internal/config"
	"geolocate/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if err := cli.NewRootCmd(cfg, log).Execute(); err != nil {
		os.Exit(1)
	}
}
