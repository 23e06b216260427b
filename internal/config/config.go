package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/geekgame/glitter/internal/telemetry"
)

// Config carries per-process options discovered from the environment.
// Contest rules that are data rather than deployment knobs live in Rules
// (loaded from a YAML file, see rules.go).
type Config struct {
	// SQL store
	DBPath string

	// Glitter endpoints. The reducer binds them, workers dial them.
	ActionAddr string
	EventAddr  string

	NWorkers int

	// Shared secret workers present on the action channel. Empty disables
	// the check, which is only sane on loopback deployments.
	GlitterSecret string

	// Log routing
	StdoutLogLevel telemetry.LevelSet
	DBLogLevel     telemetry.LevelSet
	PushLogLevel   telemetry.LevelSet

	// Feature switches
	WSPushEnabled            bool
	PoliceEnabled            bool
	AnticheatReceiverEnabled bool

	// Worker-side player push endpoint (host:port), used when WSPushEnabled.
	WSPushListenAddr string

	// Operator webhook for push-level logs and police reports.
	PushWebhookURL string

	// Token signing key (urlsafe base64 Ed25519 seed). Required by the reducer.
	TokenSigningKey string

	// Where the anticheat receiver appends system metrics lines.
	AnticheatLogPath string

	// Contest rules file (groups, boards, tick window). Optional.
	RulesPath string
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DBPath: envStr("DB_CONNECTOR", "data/glitter.db"),

		ActionAddr: envStr("GLITTER_ACTION_SOCKET_ADDR", "ws://127.0.0.1:5601/glitter/action"),
		EventAddr:  envStr("GLITTER_EVENT_SOCKET_ADDR", "ws://127.0.0.1:5601/glitter/event"),

		NWorkers: envInt("N_WORKERS", 2),

		GlitterSecret: envStr("GLITTER_SECRET_TOKEN", ""),

		StdoutLogLevel: envLevels("STDOUT_LOG_LEVEL", "info,success,warning,error,critical"),
		DBLogLevel:     envLevels("DB_LOG_LEVEL", "info,success,warning,error,critical"),
		PushLogLevel:   envLevels("PUSH_LOG_LEVEL", "error,critical"),

		WSPushEnabled:            envStr("WS_PUSH_ENABLED", "true") == "true",
		PoliceEnabled:            envStr("POLICE_ENABLED", "false") == "true",
		AnticheatReceiverEnabled: envStr("ANTICHEAT_RECEIVER_ENABLED", "false") == "true",

		WSPushListenAddr: envStr("WS_PUSH_LISTEN_ADDR", "0.0.0.0:8010"),

		PushWebhookURL: envStr("PUSH_WEBHOOK_ADDR", ""),

		TokenSigningKey: envStr("TOKEN_SIGNING_KEY", ""),

		AnticheatLogPath: envStr("ANTICHEAT_LOG_PATH", "data/sys.log"),

		RulesPath: envStr("GAME_RULES_PATH", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envLevels(key, fallback string) telemetry.LevelSet {
	return telemetry.ParseLevelSet(envStr(key, fallback))
}
