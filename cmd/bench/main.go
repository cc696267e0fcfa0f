// README: Scenario runner for the ridehail API; executes HTTP/DB/Redis checks and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	results := NewRunner(cfg).RunAll(ctx)
	tally, failed := summarize(results)

	fmt.Println("\n== Summary ==")
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", tally[StatusPass], tally[StatusFail], tally[StatusSkip])
	if len(failed) > 0 {
		fmt.Printf("failed: %s\n", strings.Join(failed, ", "))
	}

	if tally[StatusFail] > 0 || (cfg.Strict && tally[StatusSkip] > 0) {
		os.Exit(1)
	}
}

// summarize counts results per status and lists the failing case names in run order.
func summarize(results []Result) (map[string]int, []string) {
	tally := make(map[string]int, 3)
	var failed []string
	for _, r := range results {
		tally[r.Status]++
		if r.Status == StatusFail {
			failed = append(failed, r.Name)
		}
	}
	return tally, failed
}

type Config struct {
	BaseURL        string
	Token          string
	DSN            string
	RedisAddr      string
	MigrationPath  string
	ApplyMigration bool
	Strict         bool
	Timeout        time.Duration
	Concurrency    int
	Duration       time.Duration
	Lat            float64
	Lng            float64
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", env("BASE_URL", "http://localhost:8080", parseString), "API base URL")
	flag.StringVar(&cfg.Token, "token", env("TOKEN", "", parseString), "Bearer token (empty for unauthenticated dev servers)")
	flag.StringVar(&cfg.DSN, "dsn", env("DSN", "", parseString), "Postgres DSN (empty skips DB checks)")
	flag.StringVar(&cfg.RedisAddr, "redis", env("REDIS", "", parseString), "Redis address (empty skips Redis checks)")
	flag.StringVar(&cfg.MigrationPath, "migration", env("MIGRATION", "migrations/0001_init.sql", parseString), "Migration SQL path")
	flag.BoolVar(&cfg.ApplyMigration, "apply-migration", env("APPLY_MIGRATION", false, strconv.ParseBool), "Apply migration SQL before tests")
	flag.BoolVar(&cfg.Strict, "strict", env("STRICT", false, strconv.ParseBool), "Fail on skipped checks")
	flag.DurationVar(&cfg.Timeout, "timeout", env("TIMEOUT", 60*time.Second, time.ParseDuration), "Total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", env("CONCURRENCY", 8, strconv.Atoi), "Drivers racing for one ride and workers for throughput runs")
	flag.DurationVar(&cfg.Duration, "duration", env("DURATION", 5*time.Second, time.ParseDuration), "Duration for throughput runs")
	flag.Float64Var(&cfg.Lat, "lat", env("LAT", 25.0330, parseFloat), "Pickup latitude used by scenarios")
	flag.Float64Var(&cfg.Lng, "lng", env("LNG", 121.5654, parseFloat), "Pickup longitude used by scenarios")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Concurrency < 2 {
		cfg.Concurrency = 2
	}
	return cfg
}

const envPrefix = "RIDEHAIL_BENCH_"

// env reads envPrefix+key, keeping def when the variable is unset or does not parse.
func env[T any](key string, def T, parse func(string) (T, error)) T {
	raw := os.Getenv(envPrefix + key)
	if raw == "" {
		return def
	}
	v, err := parse(strings.TrimSpace(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ignoring %s%s=%q: %v\n", envPrefix, key, raw, err)
		return def
	}
	return v
}

func parseString(s string) (string, error) { return s, nil }

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }
