// Command aegispay runs the payment platform service and a small set of
// operational subcommands. Exit codes: 0 on success, 1 on an operational
// failure (the error taxonomy code is printed to stderr), 2 on usage
// errors.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Aegis-Labs/aegispay/pkg/config"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/service"

	_ "github.com/lib/pq" // Postgres driver
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommand. It exists separately from main so tests
// can drive the binary with injected writers.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "config":
		return runConfigCmd(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "aegispay %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "aegispay - programmable payments for autonomous agents")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  aegispay <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve    Run the platform service (default)")
	fmt.Fprintln(w, "  verify   Verify a mandate chain file offline")
	fmt.Fprintln(w, "  config   Print the resolved configuration")
	fmt.Fprintln(w, "  version  Show version information")
	fmt.Fprintln(w, "  help     Show this help")
}

// runServe assembles the service from the environment and runs it until
// SIGINT or SIGTERM. Postgres is used when DATABASE_URL is set, Redis
// when REDIS_URL is set; otherwise all state stays in memory.
func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	memory := fs.Bool("memory", false, "keep all state in memory even when DATABASE_URL is set")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	st, err := config.Load()
	if err != nil {
		return fail(stderr, err, "load configuration")
	}
	log := st.Logger()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := service.Config{Settings: st, Log: log}

	if !*memory && os.Getenv("DATABASE_URL") != "" {
		db, err := sql.Open("postgres", st.DatabaseURL)
		if err != nil {
			return fail(stderr, err, "open postgres")
		}
		defer db.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return fail(stderr, err, "ping postgres")
		}
		cfg.DB = db
		log.Info("postgres connected")
	} else {
		log.Info("state kept in memory; set DATABASE_URL for Postgres")
	}

	if !*memory && st.RedisURL != "" {
		opt, err := redis.ParseURL(st.RedisURL)
		if err != nil {
			return fail(stderr, err, "parse redis url")
		}
		client := redis.NewClient(opt)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fail(stderr, err, "ping redis")
		}
		cfg.Redis = client
		log.Info("redis connected")
	}

	svc, err := service.New(ctx, cfg)
	if err != nil {
		return fail(stderr, err, "assemble service")
	}
	if err := svc.Run(ctx); err != nil {
		return fail(stderr, err, "run service")
	}
	return 0
}

// runConfigCmd prints the resolved configuration as YAML-ish key lines
// so operators can see what the environment produced. Secrets are
// masked.
func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	st, err := config.Load()
	if err != nil {
		return fail(stderr, err, "load configuration")
	}

	secret := "(unset)"
	if st.WebhookMasterSecret != "" {
		secret = "(set, masked)"
	}
	fmt.Fprintf(stdout, "env: %s\n", st.Env)
	fmt.Fprintf(stdout, "port: %d\n", st.Port)
	fmt.Fprintf(stdout, "canon_mode: %s\n", st.CanonMode)
	fmt.Fprintf(stdout, "allowed_domains: %v\n", st.AllowedDomains)
	fmt.Fprintf(stdout, "require_all_proofs: %t\n", st.RequireAllProofs)
	fmt.Fprintf(stdout, "velocity: %d/min %d/hour %d/day\n", st.VelocityPerMinute, st.VelocityPerHour, st.VelocityPerDay)
	fmt.Fprintf(stdout, "treasury_caps_minor: per_payment=%d daily=%d\n", st.TreasuryMaxPerPaymentMinor, st.TreasuryMaxDailyMinor)
	fmt.Fprintf(stdout, "anchor_interval: %s\n", st.AnchorInterval.Duration)
	fmt.Fprintf(stdout, "idempotency_ttl: %s\n", st.IdempotencyTTL.Duration)
	fmt.Fprintf(stdout, "jurisdiction: %s\n", st.Jurisdiction)
	fmt.Fprintf(stdout, "worker_pool_size: %d\n", st.WorkerPoolSize)
	fmt.Fprintf(stdout, "telemetry_enabled: %t\n", st.TelemetryEnabled)
	fmt.Fprintf(stdout, "webhook_master_secret: %s\n", secret)
	return 0
}

// fail prints the error with its taxonomy code and returns the
// operational exit code.
func fail(stderr io.Writer, err error, action string) int {
	fmt.Fprintf(stderr, "%s: %v (code=%s)\n", action, err, errs.CodeOf(err))
	return 1
}
