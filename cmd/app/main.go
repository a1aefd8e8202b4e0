// Command app runs the AirCast platform: the job API, the training and tuning workers, the
// endpoint registry and, when Kafka is enabled, the job event consumer.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"

	"AirCast/internal/di"
	"AirCast/pkg/config"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	envFile := flag.String("env", ".env", "optional dotenv file with AIRCAST_* overrides")
	checkOnly := flag.Bool("check", false, "validate the configuration and exit")
	flag.Parse()

	if err := run(*configPath, *envFile, *checkOnly); err != nil {
		log.Printf("aircast: %v", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string, checkOnly bool) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("dotenv %s: %v", envFile, err)
	}

	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Printf("env=%s mode=%s storage=%s", cfg.Environment, cfg.Mode, cfg.Storage.Backend)
	if checkOnly {
		return nil
	}

	app, cleanup, err := di.InitializeApp(cfg)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer cleanup()
	return app.Run()
}
