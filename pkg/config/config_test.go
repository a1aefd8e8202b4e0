package config

import (
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte("environment: test\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Mode != ModeLocal {
		t.Fatalf("mode=%q want %q", c.Mode, ModeLocal)
	}
	if c.Dataset.TestDays != 30 {
		t.Fatalf("test_days=%d want 30", c.Dataset.TestDays)
	}
	if c.Server.ShutdownTimeout != 15*time.Second {
		t.Fatalf("shutdown_timeout=%v", c.Server.ShutdownTimeout)
	}
	if c.Serving.MaxDates != 3660 {
		t.Fatalf("max_dates=%d", c.Serving.MaxDates)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	raw := `
environment: prod
mode: cloud
dataset:
  station: Dongsi
  test_days: 14
queue:
  workers: 4
`
	c, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !c.IsCloud() {
		t.Fatalf("expected cloud mode")
	}
	if c.Dataset.Station != "Dongsi" || c.Dataset.TestDays != 14 {
		t.Fatalf("unexpected dataset config %+v", c.Dataset)
	}
	if c.Dataset.Pollutant != "PM2.5" {
		t.Fatalf("pollutant default lost: %q", c.Dataset.Pollutant)
	}
	if c.Queue.Workers != 4 {
		t.Fatalf("workers=%d", c.Queue.Workers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"mode":        "environment: x\nmode: hybrid\n",
		"frequency":   "environment: x\ndataset:\n  frequency: W\n",
		"kafka":       "environment: x\nkafka:\n  enabled: true\n",
		"s3 creds":    "environment: x\nstorage:\n  backend: s3\n",
		"collection":  "environment: x\nlog:\n  collection:\n    enabled: true\n",
		"test days":   "environment: x\ndataset:\n  test_days: 0\n",
		"engine name": "environment: x\ntraining:\n  default_engine: arima\n",
	}
	for name, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	c := Default()
	env := map[string]string{
		"AIRCAST_MODE":          "cloud",
		"AIRCAST_PORT":          "9090",
		"AIRCAST_KAFKA_BROKERS": "k1:9092,k2:9092",
	}
	c.ApplyEnv(func(k string) string { return env[k] })

	if c.Mode != ModeCloud || c.Server.Port != 9090 {
		t.Fatalf("env not applied: mode=%s port=%d", c.Mode, c.Server.Port)
	}
	if !c.Kafka.Enabled || len(c.Kafka.Brokers) != 2 {
		t.Fatalf("kafka env not applied: %+v", c.Kafka.Brokers)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
