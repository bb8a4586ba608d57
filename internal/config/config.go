package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the main HTTP server (REST + Socket.IO).
	Addr string
	// VMAddr is the listen address for the sandbox reverse-proxy server.
	VMAddr         string
	DatabasePath   string
	Debug          bool
	AllowedOrigins []string

	// ScreenshotInterval is how often connected clients are asked to produce
	// a screenshot artifact.
	ScreenshotInterval time.Duration

	// LogFlushInterval and LogFlushMaxLines tune how sandbox output is
	// coalesced into grouped dialogue turns.
	LogFlushInterval time.Duration
	LogFlushMaxLines int

	// Sandbox resource ceilings, in megabytes, applied to every execution
	// unit's V8 heap regions.
	VMMaxOldGenerationMB   int
	VMMaxYoungGenerationMB int
	VMMaxCodeRangeMB       int

	// VMStopGrace bounds how long a unit gets to exit after a stop request
	// before it is force-killed.
	VMStopGrace time.Duration

	// SandboxRunner optionally overrides the path of the execution-unit
	// runner script.
	SandboxRunner string

	// TutorEndpoint is the URL of the external AI-generation collaborator.
	// Empty disables remote generation (a canned fallback reply is used).
	TutorEndpoint string
	TutorAPIKey   string
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr         *string
	VMAddr       *string
	DatabasePath *string
	Debug        *bool
}

func envInt(key string, def int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return def
}

// Load loads server configuration from environment variables and applies any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	addr := fmt.Sprintf(":%d", envInt("PORT", 3000))
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	vmAddr := fmt.Sprintf(":%d", envInt("VM_PORT", 3002))
	if overrides.VMAddr != nil {
		vmAddr = *overrides.VMAddr
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./sessions.db"
	}
	if overrides.DatabasePath != nil {
		dbPath = *overrides.DatabasePath
	}

	debug := false
	if debugStr := os.Getenv("DEBUG"); debugStr == "true" || debugStr == "1" {
		debug = true
	}
	if overrides.Debug != nil {
		debug = *overrides.Debug
	}

	screenshotMin := envInt("SCREENSHOT_INTERVAL_MIN", 1)
	if screenshotMin < 1 {
		return nil, fmt.Errorf("SCREENSHOT_INTERVAL_MIN must be >= 1, got %d", screenshotMin)
	}

	flushMs := envInt("LOG_FLUSH_INTERVAL_MS", 2000)
	flushLines := envInt("LOG_FLUSH_MAX_LINES", 20)
	if flushLines < 1 {
		return nil, fmt.Errorf("LOG_FLUSH_MAX_LINES must be >= 1, got %d", flushLines)
	}

	return &Config{
		Addr:           addr,
		VMAddr:         vmAddr,
		DatabasePath:   dbPath,
		Debug:          debug,
		AllowedOrigins: []string{"*"}, // For self-hosted, allow all origins

		ScreenshotInterval: time.Duration(screenshotMin) * time.Minute,

		LogFlushInterval: time.Duration(flushMs) * time.Millisecond,
		LogFlushMaxLines: flushLines,

		VMMaxOldGenerationMB:   envInt("VM_MAX_OLD_GENERATION_MB", 128),
		VMMaxYoungGenerationMB: envInt("VM_MAX_YOUNG_GENERATION_MB", 32),
		VMMaxCodeRangeMB:       envInt("VM_MAX_CODE_RANGE_MB", 32),
		VMStopGrace:            time.Duration(envInt("VM_STOP_GRACE_MS", 5000)) * time.Millisecond,

		SandboxRunner: os.Getenv("SANDBOX_RUNNER"),

		TutorEndpoint: os.Getenv("TUTOR_ENDPOINT"),
		TutorAPIKey:   os.Getenv("TUTOR_API_KEY"),
	}, nil
}
