package main

import (
	"os"
	"strconv"
	"time"
)

// config bundles every environment-derived setting.
type config struct {
	GRPCPort       string
	SandboxImage   string
	SandboxRuntime string
	StoragePath    string
	SessionTimeout time.Duration
	ProxyHost      string
	ProxyPort      string
	SigningKey     string

	SandboxBackend    string
	DatabaseURL       string
	OIDCIssuerURL     string
	OIDCClientID      string
	ProxyRateLimitRPS int
}

func loadConfig() config {
	return config{
		GRPCPort:       envOrDefault("GRPC_PORT", "50051"),
		SandboxImage:   envOrDefault("SANDBOX_IMAGE", "execbox/sandbox:latest"),
		SandboxRuntime: envOrDefault("SANDBOX_RUNTIME", "runsc"),
		StoragePath:    os.Getenv("STORAGE_PATH"),
		SessionTimeout: time.Duration(envInt("SESSION_TIMEOUT", 1800)) * time.Second,
		ProxyHost:      os.Getenv("PROXY_HOST"),
		ProxyPort:      envOrDefault("PROXY_PORT", "15004"),
		SigningKey:     os.Getenv("SIGNING_KEY"),

		SandboxBackend:    envOrDefault("SANDBOX_BACKEND", "docker"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		OIDCIssuerURL:     os.Getenv("OIDC_ISSUER_URL"),
		OIDCClientID:      os.Getenv("OIDC_CLIENT_ID"),
		ProxyRateLimitRPS: envInt("PROXY_RATE_LIMIT_RPS", 50),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
