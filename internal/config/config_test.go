package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("chatsql-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.WriteTimeout != 0 {
		t.Fatalf("HTTP.WriteTimeout = %s, want 0 for streaming", cfg.HTTP.WriteTimeout)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Store.Driver != StoreMemory {
		t.Fatalf("Store.Driver = %q", cfg.Store.Driver)
	}
	if cfg.Catalog.Source != CatalogFile {
		t.Fatalf("Catalog.Source = %q", cfg.Catalog.Source)
	}
	if cfg.Stream.HeartbeatInterval != 15*time.Second {
		t.Fatalf("Stream.HeartbeatInterval = %s", cfg.Stream.HeartbeatInterval)
	}
	if cfg.Stream.SubscriberBuffer != 64 {
		t.Fatalf("Stream.SubscriberBuffer = %d", cfg.Stream.SubscriberBuffer)
	}
	if cfg.Task.MaxConcurrent != 16 {
		t.Fatalf("Task.MaxConcurrent = %d", cfg.Task.MaxConcurrent)
	}
	if cfg.ObjectStore.Enabled {
		t.Fatal("ObjectStore.Enabled should default to false")
	}
	if cfg.AI.Enabled {
		t.Fatal("AI.Enabled should default to false")
	}
	if cfg.Masking.Salt == "" {
		t.Fatal("dev profile should carry a masking salt")
	}
}

func TestLoadProdProfileRequiresSalt(t *testing.T) {
	_, err := Load("chatsql-api", mapLookup(map[string]string{"CHATSQL_PROFILE": "prod"}))
	if err == nil || !strings.Contains(err.Error(), "CHATSQL_MASKING_SALT") {
		t.Fatalf("Load() error = %v, want masking salt error", err)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	cfg, err := Load("chatsql-api", mapLookup(map[string]string{
		"CHATSQL_PROFILE":      "prod",
		"CHATSQL_MASKING_SALT": "s3cret",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Store.Driver != StorePostgres || cfg.Catalog.Source != CatalogPostgres {
		t.Fatalf("Store.Driver = %q, Catalog.Source = %q", cfg.Store.Driver, cfg.Catalog.Source)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"CHATSQL_PROFILE":                    "test",
		"CHATSQL_SERVICE_NAME":               "chatsql-custom",
		"CHATSQL_HTTP_ADDR":                  ":9999",
		"CHATSQL_HTTP_READ_TIMEOUT":          "2s",
		"CHATSQL_LOG_LEVEL":                  "error",
		"CHATSQL_AUTH_REQUIRED":              "true",
		"CHATSQL_AUTH_STATIC_KEYS":           "k1:org-1:u-1:analyst",
		"CHATSQL_STORE_DRIVER":               "postgres",
		"CHATSQL_STORE_DSN":                  "postgres://example",
		"CHATSQL_STORE_MAX_OPEN_CONNS":       "42",
		"CHATSQL_CATALOG_SOURCE":             "file",
		"CHATSQL_CATALOG_POLICY_FILE":        "/etc/chatsql/policy.yaml",
		"CHATSQL_CONNECTIONS":                "warehouse=postgres|postgres://wh",
		"CHATSQL_STREAM_HEARTBEAT_INTERVAL":  "5s",
		"CHATSQL_STREAM_SUBSCRIBER_BUFFER":   "8",
		"CHATSQL_STREAM_IDLE_RETENTION":      "90s",
		"CHATSQL_STREAM_REDIS_ADDR":          "redis:6379",
		"CHATSQL_TASK_MAX_CONCURRENT":        "3",
		"CHATSQL_TASK_RUN_TIMEOUT":           "45s",
		"CHATSQL_TASK_RECOVER_INTERVAL":      "10s",
		"CHATSQL_INSTANCE_ID":                "api-7",
		"CHATSQL_OBJECTSTORE_ENABLED":        "true",
		"CHATSQL_OBJECTSTORE_BUCKET":         "results",
		"CHATSQL_AI_ENABLED":                 "true",
		"CHATSQL_AI_MODEL":                   "gpt-5.2",
		"CHATSQL_AI_TEMPERATURE":             "0.3",
		"CHATSQL_MASKING_SALT":               "pepper",
	})
	cfg, err := Load("chatsql-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "chatsql-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP.ReadTimeout = %s", cfg.HTTP.ReadTimeout)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:org-1:u-1:analyst" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
	if cfg.Store.Driver != StorePostgres || cfg.Store.DSN != "postgres://example" || cfg.Store.MaxOpenConns != 42 {
		t.Fatalf("Store = %+v", cfg.Store)
	}
	if cfg.Catalog.PolicyFile != "/etc/chatsql/policy.yaml" {
		t.Fatalf("Catalog.PolicyFile = %q", cfg.Catalog.PolicyFile)
	}
	if cfg.Connections.Entries != "warehouse=postgres|postgres://wh" {
		t.Fatalf("Connections.Entries = %q", cfg.Connections.Entries)
	}
	if cfg.Stream.HeartbeatInterval != 5*time.Second || cfg.Stream.SubscriberBuffer != 8 || cfg.Stream.IdleRetention != 90*time.Second || cfg.Stream.RedisAddr != "redis:6379" {
		t.Fatalf("Stream = %+v", cfg.Stream)
	}
	if cfg.Task.MaxConcurrent != 3 || cfg.Task.RunTimeout != 45*time.Second || cfg.Task.RecoverInterval != 10*time.Second || cfg.Task.InstanceID != "api-7" {
		t.Fatalf("Task = %+v", cfg.Task)
	}
	if !cfg.ObjectStore.Enabled || cfg.ObjectStore.Bucket != "results" {
		t.Fatalf("ObjectStore = %+v", cfg.ObjectStore)
	}
	if !cfg.AI.Enabled || cfg.AI.Model != "gpt-5.2" || cfg.AI.Temperature != 0.3 {
		t.Fatalf("AI = %+v", cfg.AI)
	}
	if cfg.Masking.Salt != "pepper" {
		t.Fatalf("Masking.Salt = %q", cfg.Masking.Salt)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"CHATSQL_PROFILE": "oops"},
		{"CHATSQL_HTTP_READ_TIMEOUT": "NaN"},
		{"CHATSQL_STORE_MAX_OPEN_CONNS": "oops"},
		{"CHATSQL_STORE_DRIVER": "mongo"},
		{"CHATSQL_STORE_DRIVER": "postgres", "CHATSQL_STORE_DSN": ""},
		{"CHATSQL_CATALOG_SOURCE": "etcd"},
		{"CHATSQL_TASK_MAX_CONCURRENT": "0"},
		{"CHATSQL_STREAM_SUBSCRIBER_BUFFER": "-1"},
		{"CHATSQL_AI_TEMPERATURE": "bad"},
		{"CHATSQL_AUTH_REQUIRED": "not-bool"},
		{"CHATSQL_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		_, err := Load("chatsql-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
