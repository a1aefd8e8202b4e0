// Command pipeline drives the forecasting workflow end to end: dataset preparation, a local
// fit, a managed training job, endpoint deployment, predictions and hyperparameter tuning.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"AirCast/pkg/config"
	applogger "AirCast/pkg/logger"

	"github.com/joho/godotenv"
)

var steps = []string{"data", "local", "train", "deploy", "predict", "tune"}

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	envFile := flag.String("env", ".env", "optional dotenv file with AIRCAST_* overrides")
	step := flag.String("step", "all", "all|"+strings.Join(steps, "|"))
	opts := options{}
	flag.StringVar(&opts.jobName, "job", "", "training job name (default: generated)")
	flag.StringVar(&opts.tuningName, "tuning-job", "", "tuning job name (default: generated)")
	flag.StringVar(&opts.endpoint, "endpoint", "", "endpoint name (default: serving.default_endpoint)")
	flag.StringVar(&opts.start, "start", "", "first forecast date, YYYY-MM-DD (default: start of the test split)")
	flag.StringVar(&opts.end, "end", "", "last forecast date, YYYY-MM-DD (default: end of the test split)")
	flag.StringVar(&opts.engine, "engine", "", "forecaster|baseline (default: training.default_engine)")
	flag.IntVar(&opts.maxJobs, "max-jobs", 12, "tuning: maximum training jobs")
	flag.IntVar(&opts.maxParallel, "max-parallel", 3, "tuning: concurrent training jobs")
	flag.BoolVar(&opts.noWait, "no-wait", false, "submit jobs without waiting for them")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("dotenv %s: %v", *envFile, err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	l, err := applogger.New(&applogger.Config{Level: cfg.Log.Level, Format: "console", Output: "stderr"})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(ctx, cfg, l, os.Stdout, opts)
	if err != nil {
		l.Error("pipeline init failed", applogger.Error(err))
		os.Exit(1)
	}
	defer p.Close()

	if err := p.Run(ctx, *step); err != nil {
		l.Error("pipeline failed", applogger.String("step", *step), applogger.Error(err))
		os.Exit(1)
	}
}

// loadConfig falls back to struct defaults plus environment when the file is missing, so the
// CLI works against a local platform without a config file.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		cfg.ApplyEnv(os.Getenv)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}
	return config.LoadWithEnv(path)
}
