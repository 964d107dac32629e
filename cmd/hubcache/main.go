// Command hubcache reads a paginated REST listing through the
// conditional-request cache and prints one JSON item per line.
//
//	hubcache -per-page 100 /repos/octocat/hello-world/pulls/1/files
//	hubcache -list=false /rate_limit
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Sternrassler/hubcache/pkg/cache"
	"github.com/Sternrassler/hubcache/pkg/client"
	"github.com/Sternrassler/hubcache/pkg/logging"
	"github.com/Sternrassler/hubcache/pkg/metrics"
	"github.com/Sternrassler/hubcache/pkg/pagination"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const defaultUserAgent = "hubcache-cli/0.1.0"

type options struct {
	configPath  string
	baseURL     string
	userAgent   string
	token       string
	cacheDir    string
	backend     string
	list        bool
	perPage     int
	field       string
	metricsAddr string
	target      string
}

func main() {
	// Missing .env is fine
	_ = godotenv.Load()

	logging.Setup(logging.ConfigFromEnv())

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Error().Err(err).Msg("Invalid arguments")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.metricsAddr != "" {
		go serveMetrics(opts.metricsAddr)
	}

	if err := run(ctx, opts, os.Stdout); err != nil {
		log.Error().Err(err).Str("target", opts.target).Msg("Command failed")
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("hubcache", flag.ContinueOnError)

	var opts options
	fs.StringVar(&opts.configPath, "config", getEnv("HUBCACHE_CONFIG", ""), "YAML config file")
	fs.StringVar(&opts.baseURL, "base-url", getEnv("HUBCACHE_BASE_URL", ""), "API root (default "+client.DefaultBaseURL+")")
	fs.StringVar(&opts.userAgent, "user-agent", getEnv("HUBCACHE_USER_AGENT", ""), "User-Agent header (default "+defaultUserAgent+")")
	fs.StringVar(&opts.token, "token", getEnv("GITHUB_TOKEN", ""), "bearer token sent as Authorization")
	fs.StringVar(&opts.cacheDir, "cache-dir", getEnv("HUBCACHE_CACHE_DIR", ""), "disk cache directory")
	fs.StringVar(&opts.backend, "cache-backend", getEnv("HUBCACHE_CACHE_BACKEND", ""), "cache backend: disk, memory, redis, none")
	fs.BoolVar(&opts.list, "list", true, "treat the target as a paginated listing")
	fs.IntVar(&opts.perPage, "per-page", getEnvInt("HUBCACHE_PER_PAGE", 0), "items per page (0 = server default)")
	fs.StringVar(&opts.field, "field", "", "read items from this field of an object body (e.g. items)")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", getEnv("HUBCACHE_METRICS_ADDR", ""), "serve Prometheus metrics on this address")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() != 1 {
		return options{}, fmt.Errorf("expected one path or URL, got %d arguments", fs.NArg())
	}
	if opts.perPage < 0 {
		return options{}, fmt.Errorf("per-page must be >= 0 (got %d)", opts.perPage)
	}
	opts.target = fs.Arg(0)

	return opts, nil
}

// buildConfig layers flags over the config file over defaults.
func buildConfig(opts options) (client.Config, error) {
	cfg := client.DefaultConfig(defaultUserAgent)
	if opts.configPath != "" {
		loaded, err := client.LoadConfig(opts.configPath)
		if err != nil {
			return client.Config{}, err
		}
		cfg = loaded
	}

	if opts.baseURL != "" {
		cfg.BaseURL = opts.baseURL
	}
	if opts.userAgent != "" {
		cfg.UserAgent = opts.userAgent
	}
	if opts.token != "" {
		if cfg.Headers == nil {
			cfg.Headers = make(map[string]string)
		}
		cfg.Headers["Authorization"] = "Bearer " + opts.token
	}
	if opts.backend != "" {
		cfg.Cache.Backend = opts.backend
	}
	if opts.cacheDir != "" {
		cfg.Cache.Dir = opts.cacheDir
	}

	return cfg, cfg.Validate()
}

func run(ctx context.Context, opts options, out io.Writer) error {
	cfg, err := buildConfig(opts)
	if err != nil {
		return fmt.Errorf("configure client: %w", err)
	}

	c, err := client.New(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer c.Close()

	start := time.Now()
	if opts.list {
		err = printListing(ctx, c, opts, out)
	} else {
		err = printResource(ctx, c, opts.target, out)
	}
	if err != nil {
		return err
	}

	for resource, state := range c.RateLimit() {
		log.Info().
			Str("resource", resource).
			Int("limit", state.Limit).
			Int("rate_remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Dur("duration", time.Since(start)).
			Msg("Quota after run")
	}
	return nil
}

func printListing(ctx context.Context, c *client.Client, opts options, out io.Writer) error {
	req, err := c.NewRequest(ctx, http.MethodGet, opts.target, nil)
	if err != nil {
		return err
	}

	dec := pagination.JSONArray[json.RawMessage]()
	if opts.field != "" {
		dec = pagination.JSONField[json.RawMessage](opts.field)
	}

	stream := pagination.List(c, req, pagination.ListOptions{PerPage: opts.perPage}, dec)
	defer stream.Close()

	var line bytes.Buffer
	count := 0
	for item, err := range stream.All(ctx) {
		if err != nil {
			return fmt.Errorf("list %s: %w", opts.target, err)
		}

		line.Reset()
		if err := json.Compact(&line, item); err != nil {
			return fmt.Errorf("compact item %d: %w", count, err)
		}
		line.WriteByte('\n')
		if _, err := out.Write(line.Bytes()); err != nil {
			return fmt.Errorf("write item: %w", err)
		}
		count++
	}

	log.Info().
		Str("target", opts.target).
		Int("items", count).
		Int("pages", stream.Pages()).
		Msg("Listing complete")
	return nil
}

func printResource(ctx context.Context, c *client.Client, target string, out io.Writer) error {
	resp, err := c.Get(ctx, target)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := client.CheckResponse(resp); err != nil {
		return err
	}

	log.Debug().
		Str("target", target).
		Str("cache_status", resp.Header.Get(cache.HeaderCacheStatus)).
		Msg("Resource fetched")

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	log.Info().Str("addr", addr).Msg("Serving metrics")
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}
