package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chatsql/chatsql/internal/cli/chatsqlctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("CHATSQL_CLI_TIMEOUT")), 30*time.Second)
	options := chatsqlctl.Options{
		BaseURL:        envOr("CHATSQL_API_URL", "http://localhost:8080"),
		APIKey:         strings.TrimSpace(os.Getenv("CHATSQL_API_KEY")),
		OrganizationID: strings.TrimSpace(os.Getenv("CHATSQL_ORGANIZATION_ID")),
		UserID:         strings.TrimSpace(os.Getenv("CHATSQL_USER_ID")),
		Role:           strings.TrimSpace(os.Getenv("CHATSQL_ROLE")),
		Timeout:        timeout,
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := chatsqlctl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid CHATSQL_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
