package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "tidemark-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.PubSub.ProjectID != "tidemark-dev" {
		t.Errorf("expected pubsub project to default to firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.PubSub.NotificationsTopic != defaultNotificationsTopic {
		t.Errorf("unexpected notifications topic: %s", cfg.PubSub.NotificationsTopic)
	}
	if cfg.Redis.Addr != defaultRedisAddr {
		t.Errorf("unexpected redis addr: %s", cfg.Redis.Addr)
	}
	if cfg.Redis.CouponLockTTL != defaultCouponLockTTL {
		t.Errorf("unexpected coupon lock ttl: %s", cfg.Redis.CouponLockTTL)
	}
	if cfg.Jobs.PollInterval != defaultJobsPollInterval {
		t.Errorf("unexpected jobs poll interval: %s", cfg.Jobs.PollInterval)
	}
	if cfg.Jobs.AutoCancelAfter != defaultAutoCancelAfter {
		t.Errorf("unexpected auto cancel delay: %s", cfg.Jobs.AutoCancelAfter)
	}
	if cfg.Orders.NumberPrefix != defaultOrderNumberPrefix {
		t.Errorf("unexpected order number prefix: %s", cfg.Orders.NumberPrefix)
	}
	if !cfg.Features.EnableAutoCancel {
		t.Error("expected auto cancel enabled by default")
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":               "9090",
		"API_SERVER_READ_TIMEOUT":       "20s",
		"API_SERVER_WRITE_TIMEOUT":      "25s",
		"API_SERVER_IDLE_TIMEOUT":       "2m",
		"API_FIRESTORE_PROJECT_ID":      "tidemark-prod",
		"API_PUBSUB_PROJECT_ID":         "tidemark-events",
		"API_REDIS_ADDR":                "redis.internal:6380",
		"API_REDIS_PASSWORD":            "secret://redis/password",
		"API_REDIS_DB":                  "2",
		"API_REDIS_COUPON_LOCK_TTL":     "45s",
		"API_PSP_STRIPE_API_KEY":        "secret://stripe/api",
		"API_PSP_STRIPE_WEBHOOK_SECRET": "secret://stripe/webhook",
		"API_JOBS_POLL_INTERVAL":        "10s",
		"API_JOBS_BATCH_SIZE":           "25",
		"API_JOBS_WORKER_COUNT":         "8",
		"API_JOBS_AUTO_CANCEL_AFTER":    "45m",
		"API_ORDERS_NUMBER_PREFIX":      "TMX",
		"API_FEATURE_AUTO_CANCEL":       "false",
		"API_IDEMPOTENCY_HEADER":        "X-Request-Key",
		"API_IDEMPOTENCY_TTL":           "12h",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		switch ref {
		case "secret://stripe/api":
			return "sk_live_123", nil
		case "secret://stripe/webhook":
			return "whsec_456", nil
		case "secret://redis/password":
			return "hunter2", nil
		}
		return "", errors.New("unknown ref")
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("unexpected port: %s", cfg.Server.Port)
	}
	if cfg.Server.WriteTimeout != 25*time.Second {
		t.Errorf("unexpected write timeout: %s", cfg.Server.WriteTimeout)
	}
	if cfg.PubSub.ProjectID != "tidemark-events" {
		t.Errorf("unexpected pubsub project: %s", cfg.PubSub.ProjectID)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("unexpected redis addr: %s", cfg.Redis.Addr)
	}
	if cfg.Redis.Password != "hunter2" {
		t.Errorf("expected resolved redis password, got %q", cfg.Redis.Password)
	}
	if cfg.Redis.DB != 2 {
		t.Errorf("unexpected redis db: %d", cfg.Redis.DB)
	}
	if cfg.PSP.StripeAPIKey != "sk_live_123" {
		t.Errorf("expected resolved stripe key, got %q", cfg.PSP.StripeAPIKey)
	}
	if cfg.PSP.StripeWebhookSecret != "whsec_456" {
		t.Errorf("expected resolved webhook secret, got %q", cfg.PSP.StripeWebhookSecret)
	}
	if cfg.Jobs.WorkerCount != 8 {
		t.Errorf("unexpected worker count: %d", cfg.Jobs.WorkerCount)
	}
	if cfg.Jobs.AutoCancelAfter != 45*time.Minute {
		t.Errorf("unexpected auto cancel delay: %s", cfg.Jobs.AutoCancelAfter)
	}
	if cfg.Orders.NumberPrefix != "TMX" {
		t.Errorf("unexpected order number prefix: %s", cfg.Orders.NumberPrefix)
	}
	if cfg.Features.EnableAutoCancel {
		t.Error("expected auto cancel disabled")
	}
	if cfg.Idempotency.Header != "X-Request-Key" {
		t.Errorf("unexpected idempotency header: %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != 12*time.Hour {
		t.Errorf("unexpected idempotency ttl: %s", cfg.Idempotency.TTL)
	}
}

func TestLoadValidation(t *testing.T) {
	env := map[string]string{
		"API_REDIS_ADDR": " ",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}

	fields := verr.Fields()
	wantMissing := map[string]bool{
		"Firestore.ProjectID": false,
		"Redis.Addr":          false,
	}
	for _, field := range fields {
		if _, ok := wantMissing[field]; ok {
			wantMissing[field] = true
		}
	}
	for field, seen := range wantMissing {
		if !seen {
			t.Errorf("expected %s in validation failures, got %v", field, fields)
		}
	}
}

func TestLoadSecretResolutionFailure(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "tidemark-dev",
		"API_PSP_STRIPE_API_KEY":   "sm://stripe/api",
	}

	resolver := SecretResolverFunc(func(context.Context, string) (string, error) {
		return "", errors.New("backend unavailable")
	})

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err == nil {
		t.Fatal("expected secret resolution error")
	}

	var serr *SecretError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if serr.Ref != "secret://stripe/api" {
		t.Errorf("expected normalised secret ref, got %s", serr.Ref)
	}
}

func TestLoadRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "tidemark-dev",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error")
	}

	var merr *MissingSecretsError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	names := merr.Names()
	if len(names) != 1 || names[0] != "PSP.StripeAPIKey" {
		t.Errorf("unexpected missing secret names: %v", names)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	contents := "API_FIRESTORE_PROJECT_ID=tidemark-local\nexport API_SERVER_PORT=\"7070\"\n# comment\n"
	if err := os.WriteFile(envPath, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithoutSystemEnv(), WithEnvFile(envPath))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Firestore.ProjectID != "tidemark-local" {
		t.Errorf("unexpected firestore project: %s", cfg.Firestore.ProjectID)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("unexpected port from env file: %s", cfg.Server.Port)
	}
}
