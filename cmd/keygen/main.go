package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/af-corp/switchboard/internal/auth"
)

func main() {
	name := flag.String("name", "", "human-friendly key name (required)")
	env := flag.String("env", "prod", "environment prefix")
	models := flag.String("models", "", "comma-separated allowed models (empty = all)")
	groups := flag.String("groups", "", "comma-separated allowed provider groups (empty = all)")
	polling := flag.Bool("polling", false, "route through the polling pool")
	params := flag.String("params", "{}", `JSON object of default request params, e.g. {"temperature":0.2}`)
	systemPrompt := flag.String("system-prompt", "", "system prompt prepended to every request")
	rpm := flag.Int("rpm", 0, "requests per minute for this key (0 = unlimited)")
	expires := flag.String("expires", "365d", "expiry duration (e.g., 365d, 720h)")
	dbURL := flag.String("db-url", "", "database URL (overrides env)")
	flag.Parse()

	if *name == "" {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nerror: -name is required")
		os.Exit(1)
	}

	var paramsObj map[string]any
	if err := json.Unmarshal([]byte(*params), &paramsObj); err != nil {
		log.Fatalf("invalid params: %v", err)
	}

	rawKey, err := auth.GenerateKey(*env)
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}
	keyHash := auth.HashKey(rawKey)
	keyPrefix := auth.KeyPrefix(rawKey)

	dur, err := auth.ParseDuration(*expires)
	if err != nil {
		log.Fatalf("invalid expires: %v", err)
	}
	expiresAt := time.Now().Add(dur)

	dsn := *dbURL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		host := envOrDefault("DB_HOST", "localhost")
		port := envOrDefault("DB_PORT", "5432")
		u := envOrDefault("DB_USER", "switchboard")
		pass := envOrDefault("DB_PASSWORD", "switchboard-dev")
		dbname := envOrDefault("DB_NAME", "switchboard")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", u, pass, host, port, dbname)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer conn.Close(ctx)

	allowedModels, _ := json.Marshal(splitList(*models))
	allowedGroups, _ := json.Marshal(splitList(*groups))
	paramsJSON, _ := json.Marshal(paramsObj)

	var keyID string
	err = conn.QueryRow(ctx, `
		INSERT INTO api_keys (key_hash, key_prefix, name, allowed_models, allowed_groups, use_polling,
		                      params, system_prompt, rpm_limit, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, keyHash, keyPrefix, *name, allowedModels, allowedGroups, *polling,
		paramsJSON, nilIfEmpty(*systemPrompt), nilIfZero(*rpm), expiresAt).Scan(&keyID)
	if err != nil {
		log.Fatalf("failed to insert key: %v", err)
	}

	fmt.Println("=== Switchboard API Key Generated ===")
	fmt.Println()
	fmt.Printf("  Key ID:         %s\n", keyID)
	fmt.Printf("  Key Prefix:     %s\n", keyPrefix)
	fmt.Printf("  Name:           %s\n", *name)
	if *models != "" {
		fmt.Printf("  Models:         %s\n", *models)
	}
	if *groups != "" {
		fmt.Printf("  Groups:         %s\n", *groups)
	}
	fmt.Printf("  Polling:        %v\n", *polling)
	if *rpm > 0 {
		fmt.Printf("  RPM limit:      %d\n", *rpm)
	}
	fmt.Printf("  Expires:        %s\n", expiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println("  API Key (save this, it will NOT be shown again):")
	fmt.Printf("  %s\n", rawKey)
	fmt.Println()
	fmt.Println("=====================================")
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nilIfZero(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
