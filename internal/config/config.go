// Package config defines the configuration contract and handles loading and
// validating environment configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// Canonical environment variable keys.
	KeyTelegramToken    = "TELEGRAM_TOKEN"
	KeyOperatorChat     = "OPERATOR_CHAT_ID"
	KeyReferralLinkBase = "REFERRAL_LINK_BASE"
	KeyMongoURI         = "MONGO_URI"
	KeyMongoDB          = "MONGO_DB"
	KeyAppEnv           = "APP_ENV"
	KeyLogLevel         = "LOG_LEVEL"
	KeyHTTPPort         = "HTTP_PORT"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Defaults for optional settings.
	DefaultAppEnv   = EnvProduction
	DefaultLogLevel = "info"
	DefaultHTTPPort = 8080

	// Recommended database names by environment.
	DefaultMongoDBProd = "affiliate_tracker"
	DefaultMongoDBDev  = "affiliate_tracker_dev"
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the bot must refuse to start without this value
	Default     string // default when unset (empty when required)
	Description string // what the variable controls
	Notes       string // extra guidance or policies
}

// Contract enumerates the authoritative configuration keys for the bot.
// .env loading is only permitted when APP_ENV=development; production must rely
// on environment variables supplied by the runtime.
var Contract = []VarSpec{
	{
		Key:         KeyTelegramToken,
		Example:     "123:ABC",
		Required:    true,
		Description: "Telegram Bot Token issued by BotFather.",
	},
	{
		Key:         KeyOperatorChat,
		Example:     "123456789",
		Required:    true,
		Description: "Telegram chat_id receiving operator alerts and /stats access.",
	},
	{
		Key:         KeyReferralLinkBase,
		Example:     "https://affiliate.example/v3/offer?p=abcd",
		Required:    true,
		Description: "Affiliate registration link; the chat_id is appended as the sub1 tracking parameter.",
		Notes:       "Must already carry its own query parameters; sub1 is appended with '&'.",
	},
	{
		Key:         KeyMongoURI,
		Example:     "mongodb://localhost:27017",
		Required:    true,
		Description: "MongoDB connection string.",
	},
	{
		Key:         KeyMongoDB,
		Example:     DefaultMongoDBProd + " / " + DefaultMongoDBDev,
		Required:    true,
		Description: "MongoDB database name.",
		Notes:       "Recommended: production=" + DefaultMongoDBProd + ", development=" + DefaultMongoDBDev + ".",
	},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format and dotenv usage.",
		Notes:       "Load .env files only when APP_ENV=" + EnvDevelopment + ".",
	},
	{
		Key:         KeyLogLevel,
		Example:     DefaultLogLevel,
		Default:     DefaultLogLevel,
		Description: "Overrides default log level.",
	},
	{
		Key:         KeyHTTPPort,
		Example:     strconv.Itoa(DefaultHTTPPort),
		Default:     strconv.Itoa(DefaultHTTPPort),
		Description: "HTTP port serving the affiliate postback endpoint and health probe.",
	},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	TelegramToken    string
	OperatorChatID   int64
	ReferralLinkBase string
	MongoURI         string
	MongoDB          string
	AppEnv           string
	LogLevel         string
	HTTPPort         int
}

// Load resolves configuration from the environment (with optional dotenv in development).
func Load() (Config, error) {
	appEnv, err := resolveAppEnv()
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(appEnv); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:           firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), appEnv),
		TelegramToken:    strings.TrimSpace(os.Getenv(KeyTelegramToken)),
		ReferralLinkBase: strings.TrimSpace(os.Getenv(KeyReferralLinkBase)),
		MongoURI:         strings.TrimSpace(os.Getenv(KeyMongoURI)),
		MongoDB:          strings.TrimSpace(os.Getenv(KeyMongoDB)),
		LogLevel:         firstNonEmpty(strings.TrimSpace(os.Getenv(KeyLogLevel)), DefaultLogLevel),
		HTTPPort:         DefaultHTTPPort,
	}

	if err := validateAppEnv(cfg.AppEnv); err != nil {
		return Config{}, err
	}

	missing := make([]string, 0)

	if cfg.TelegramToken == "" {
		missing = append(missing, KeyTelegramToken)
	}

	operatorRaw := strings.TrimSpace(os.Getenv(KeyOperatorChat))
	if operatorRaw == "" {
		missing = append(missing, KeyOperatorChat)
	} else {
		operatorID, parseErr := strconv.ParseInt(operatorRaw, 10, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyOperatorChat, parseErr)
		}
		cfg.OperatorChatID = operatorID
	}

	if cfg.ReferralLinkBase == "" {
		missing = append(missing, KeyReferralLinkBase)
	}

	if cfg.MongoURI == "" {
		missing = append(missing, KeyMongoURI)
	} else if !strings.HasPrefix(cfg.MongoURI, "mongodb://") && !strings.HasPrefix(cfg.MongoURI, "mongodb+srv://") {
		return Config{}, fmt.Errorf("invalid %s: must start with mongodb:// or mongodb+srv://", KeyMongoURI)
	}

	if cfg.MongoDB == "" {
		missing = append(missing, KeyMongoDB)
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	httpPortRaw := strings.TrimSpace(os.Getenv(KeyHTTPPort))
	if httpPortRaw != "" {
		port, parseErr := strconv.Atoi(httpPortRaw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyHTTPPort, parseErr)
		}
		if port <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than 0", KeyHTTPPort)
		}
		cfg.HTTPPort = port
	}

	return cfg, nil
}

// FormatRedacted renders the resolved configuration with secrets masked, for
// the -config-only startup check.
func FormatRedacted(cfg Config) string {
	lines := []string{
		fmt.Sprintf("%s=%s", KeyTelegramToken, redactToken(cfg.TelegramToken)),
		fmt.Sprintf("%s=%d", KeyOperatorChat, cfg.OperatorChatID),
		fmt.Sprintf("%s=%s", KeyReferralLinkBase, cfg.ReferralLinkBase),
		fmt.Sprintf("%s=%s", KeyMongoURI, redactMongoURI(cfg.MongoURI)),
		fmt.Sprintf("%s=%s", KeyMongoDB, cfg.MongoDB),
		fmt.Sprintf("%s=%s", KeyAppEnv, cfg.AppEnv),
		fmt.Sprintf("%s=%s", KeyLogLevel, cfg.LogLevel),
		fmt.Sprintf("%s=%d", KeyHTTPPort, cfg.HTTPPort),
	}

	return strings.Join(lines, "\n")
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

func redactToken(token string) string {
	if token == "" {
		return ""
	}

	if idx := strings.Index(token, ":"); idx > 0 {
		return token[:idx] + ":***"
	}

	return "***"
}

func redactMongoURI(uri string) string {
	atIdx := strings.Index(uri, "@")
	if atIdx < 0 {
		return uri
	}

	schemeIdx := strings.Index(uri, "://")
	if schemeIdx < 0 {
		return "***@" + uri[atIdx+1:]
	}

	return uri[:schemeIdx+3] + "***@" + uri[atIdx+1:]
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
