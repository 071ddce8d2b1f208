// Command sentinel runs the policy-gated execution bridge and its
// operational subcommands.
//
// Exit codes: 0 success, 2 configuration error, 3 runtime error,
// 4 integrity failure (broken audit chain or replay mismatch).
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aureus-labs/sentinel/pkg/api"
	"github.com/aureus-labs/sentinel/pkg/archive"
	"github.com/aureus-labs/sentinel/pkg/audit"
	"github.com/aureus-labs/sentinel/pkg/bridge"
	"github.com/aureus-labs/sentinel/pkg/config"
	"github.com/aureus-labs/sentinel/pkg/decision"
	"github.com/aureus-labs/sentinel/pkg/events"
	"github.com/aureus-labs/sentinel/pkg/memory"
	"github.com/aureus-labs/sentinel/pkg/observability"
	"github.com/aureus-labs/sentinel/pkg/policy"
	"github.com/aureus-labs/sentinel/pkg/replay"
	"github.com/aureus-labs/sentinel/pkg/schema"
	"github.com/aureus-labs/sentinel/pkg/signer"
)

const (
	exitOK        = 0
	exitConfig    = 2
	exitRuntime   = 3
	exitIntegrity = 4
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; the default is serve.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "verify-audit":
		return runVerifyAudit(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[1])
		usage(stderr)
		return exitConfig
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: sentinel <command> [flags]

Commands:
  serve          run the bridge HTTP server (default)
  verify-audit   verify the audit chain hash linkage
  export         export the audit chain as JSONL or CEF
  replay         re-run recorded decisions and compare plans
  keygen         generate a signing key pair
`)
}

func runServe(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	logger := newLogger(cfg.LogLevel, stderr)
	slog.SetDefault(logger)

	for _, dir := range []string{cfg.AuditDir, cfg.EventDir, filepath.Dir(cfg.MemoryDB)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			fmt.Fprintln(stderr, err)
			return exitRuntime
		}
	}

	schemas, err := schema.NewRegistry()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}
	logger.Info("schema registry ready", "types", schemas.Types())

	chain, err := audit.Open(filepath.Join(cfg.AuditDir, "audit.jsonl"))
	if err != nil {
		fmt.Fprintln(stderr, err)
		if errors.Is(err, audit.ErrChainBroken) {
			return exitIntegrity
		}
		return exitRuntime
	}
	defer chain.Close()

	eventStore, err := events.OpenSQLite(filepath.Join(cfg.EventDir, "events.db"))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}
	defer eventStore.Close()

	var history memory.Store
	if cfg.DatabaseURL != "" {
		history, err = memory.OpenPostgres(cfg.DatabaseURL)
	} else {
		history, err = memory.OpenSQLite(cfg.MemoryDB)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}
	defer history.Close()

	sgr, err := signer.FromEnv()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}
	keys, err := signer.ParseTrustedKeys(cfg.TrustedKeys)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	policies, err := policy.NewRegistry()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}
	if _, err := policies.LoadFile(cfg.PolicyFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("no policy file; running deny-all", "path", cfg.PolicyFile)
		} else {
			fmt.Fprintln(stderr, err)
			return exitConfig
		}
	}

	engine := decision.New(decision.WithTTLs(decision.TTLs{
		Low:    cfg.PlanTTLLow,
		Medium: cfg.PlanTTLMedium,
		High:   cfg.PlanTTLHigh,
	}))

	var idem api.IdempotencyStore
	if cfg.RedisAddr != "" {
		idem = api.NewRedisIdempotencyStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.IdempotencyTTL)
	} else {
		idem = api.NewMemoryIdempotencyStore(cfg.IdempotencyTTL)
	}

	server, err := bridge.New(bridge.Config{
		Schemas:     schemas,
		Profiler:    memory.NewProfiler(history),
		Engine:      engine,
		Policies:    policies,
		Signer:      sgr,
		TrustedKeys: keys,
		Chain:       chain,
		Events:      eventStore,
		Idempotency: idem,
		Logger:      logger,
		ClockSkew:   cfg.ClockSkew,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}

	handler := http.Handler(server.Handler())

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Close()
	handler = limiter.Middleware(handler)

	if cfg.ChannelJWTSecret != "" {
		auth := api.NewChannelAuth([]byte(cfg.ChannelJWTSecret), cfg.ChannelJWTIssuer)
		handler = auth.Middleware(handler)
	}

	telemetry, err := observability.New(context.Background(), &observability.Config{
		ServiceName:  "aureus-sentinel",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.TelemetryEnabled,
		Insecure:     true,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()
	handler = telemetry.Middleware(handler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("bridge listening", "port", cfg.Port, "key_id", sgr.KeyID())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		fmt.Fprintln(stderr, err)
		return exitRuntime
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintln(stderr, err)
			return exitRuntime
		}
	}
	fmt.Fprintln(stdout, "bye")
	return exitOK
}

func runVerifyAudit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "data/audit/audit.jsonl", "audit chain file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	res, err := audit.VerifyFile(*file)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}
	if !res.OK {
		fmt.Fprintf(stderr, "audit chain broken at seq %d (%d entries)\n", res.FirstBrokenSeq, res.Entries)
		return exitIntegrity
	}
	fmt.Fprintf(stdout, "audit chain ok (%d entries)\n", res.Entries)
	return exitOK
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "data/audit/audit.jsonl", "audit chain file")
	format := fs.String("format", audit.FormatJSONL, "jsonl or cef")
	since := fs.Uint64("since", 0, "export entries with seq greater than this")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *format != audit.FormatJSONL && *format != audit.FormatCEF {
		fmt.Fprintf(stderr, "unknown format %q\n", *format)
		return exitConfig
	}

	chain, err := audit.Open(*file)
	if err != nil {
		fmt.Fprintln(stderr, err)
		if errors.Is(err, audit.ErrChainBroken) {
			return exitIntegrity
		}
		return exitRuntime
	}
	defer chain.Close()

	entries, err := chain.Entries()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}
	if err := audit.Export(stdout, entries, *format, *since); err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}

	if bucket := os.Getenv("ARCHIVE_BUCKET"); bucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		archiver, err := archive.New(ctx, archive.Config{
			Bucket:   bucket,
			Region:   os.Getenv("ARCHIVE_REGION"),
			Endpoint: os.Getenv("ARCHIVE_ENDPOINT"),
			Prefix:   os.Getenv("ARCHIVE_PREFIX"),
		})
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitRuntime
		}
		manifest, err := archiver.ArchiveChain(ctx, chain)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitRuntime
		}
		fmt.Fprintf(stderr, "archived %s (%d entries) to s3://%s\n", manifest.BundleID, manifest.EntryCount, bucket)
	}
	return exitOK
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	eventsPath := fs.String("events", "data/events/events.db", "event store database")
	intentID := fs.String("intent", "", "replay a single intent; empty replays everything")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	store, err := events.OpenSQLite(*eventsPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}
	defer store.Close()

	policies, err := policy.NewRegistry()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}
	harness := replay.New(store, policies, decision.New())

	ctx := context.Background()
	var results []replay.Result
	if *intentID != "" {
		result, err := harness.ReplayIntent(ctx, *intentID)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitRuntime
		}
		results = []replay.Result{result}
	} else {
		results, err = harness.ReplayAll(ctx)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitRuntime
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			fmt.Fprintln(stderr, err)
			return exitRuntime
		}
	}
	if broken := replay.Mismatches(results); len(broken) > 0 {
		fmt.Fprintf(stderr, "%d of %d replayed plans do not match\n", len(broken), len(results))
		return exitIntegrity
	}
	fmt.Fprintf(stderr, "replayed %d decisions, all match\n", len(results))
	return exitOK
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keyID := fs.String("id", "sentinel-key-1", "key identifier")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if strings.TrimSpace(*keyID) == "" {
		fmt.Fprintln(stderr, "key id must not be empty")
		return exitConfig
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}

	fmt.Fprintf(stdout, "%s=%s\n", signer.EnvKeyID, *keyID)
	fmt.Fprintf(stdout, "%s=%s\n", signer.EnvPrivateKey, base64.StdEncoding.EncodeToString(priv))
	fmt.Fprintf(stdout, "%s=%s\n", signer.EnvPublicKey, base64.StdEncoding.EncodeToString(pub))
	fmt.Fprintf(stdout, "%s=%s=%s\n", signer.EnvTrustedKeys, *keyID, base64.StdEncoding.EncodeToString(pub))

	for i := range priv {
		priv[i] = 0
	}
	return exitOK
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
