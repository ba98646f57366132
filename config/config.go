package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	AppName     = "roomedit"
	EnvFileName = "config.env"
)

// Edit providers selectable with EDIT_PROVIDER.
const (
	ProviderFlux   = "flux"
	ProviderGemini = "gemini"
)

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
// Variables already set in the environment win.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// Config is the service configuration read from the environment.
type Config struct {
	ListenAddr    string
	DBPath        string
	DatabaseURL   string
	PublicBaseURL string
	LogLevel      string

	EditProvider     string
	BFLAPIKey        string
	BFLBaseURL       string
	BFLModel         string
	GeminiAPIKey     string
	GeminiImageModel string

	PollInterval    time.Duration
	PollMaxAttempts int

	ApifyToken         string
	ApifyActorID       string
	ApifyBaseURL       string
	ApifyWaitForFinish time.Duration

	ScrapeAllowedHosts []string
	ScrapeEnforceHost  bool
	ScrapeCacheTTL     time.Duration

	DownloadTimeout  time.Duration
	DownloadMaxBytes int64

	// APITokens maps a caller identity to the bcrypt hash of its bearer
	// token. Empty disables authentication.
	APITokens map[string]string
}

// Load reads the configuration from the environment. Missing credentials for
// the selected providers are reported together.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
		DBPath:           getEnv("ROOMEDIT_DB_PATH", "roomedit.db"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		PublicBaseURL:    strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		EditProvider:     strings.ToLower(getEnv("EDIT_PROVIDER", ProviderFlux)),
		BFLAPIKey:        os.Getenv("BFL_API_KEY"),
		BFLBaseURL:       getEnv("BFL_BASE_URL", "https://api.bfl.ai"),
		BFLModel:         getEnv("BFL_MODEL", "flux-2-pro"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiImageModel: os.Getenv("GEMINI_IMAGE_MODEL"),
		ApifyToken:       os.Getenv("APIFY_TOKEN"),
		ApifyActorID:     getEnv("APIFY_ACTOR_ID", "nMiNd0glV6oqKv78Y"),
		ApifyBaseURL:     getEnv("APIFY_BASE_URL", "https://api.apify.com"),
	}

	var errs []string
	var err error

	if cfg.PollInterval, err = getDuration("EDIT_POLL_INTERVAL", 2*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.PollMaxAttempts, err = getInt("EDIT_POLL_ATTEMPTS", 60); err != nil {
		errs = append(errs, err.Error())
	}
	waitSeconds, err := getInt("APIFY_WAIT_SECONDS", 300)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.ApifyWaitForFinish = time.Duration(waitSeconds) * time.Second
	if cfg.ScrapeEnforceHost, err = getBool("SCRAPE_ENFORCE_HOST", true); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.ScrapeCacheTTL, err = getDuration("SCRAPE_CACHE_TTL", 24*time.Hour); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.DownloadTimeout, err = getDuration("DOWNLOAD_TIMEOUT", 30*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	maxBytes, err := getInt("DOWNLOAD_MAX_BYTES", 20<<20)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.DownloadMaxBytes = int64(maxBytes)
	cfg.ScrapeAllowedHosts = splitList(getEnv("SCRAPE_ALLOWED_HOSTS", "immobilienscout24.de"))
	if cfg.APITokens, err = parseTokens(os.Getenv("API_TOKENS")); err != nil {
		errs = append(errs, err.Error())
	}

	if cfg.PollInterval <= 0 || cfg.PollMaxAttempts <= 0 {
		errs = append(errs, "EDIT_POLL_INTERVAL and EDIT_POLL_ATTEMPTS must be positive")
	}
	if cfg.DownloadTimeout <= 0 || cfg.DownloadMaxBytes <= 0 {
		errs = append(errs, "DOWNLOAD_TIMEOUT and DOWNLOAD_MAX_BYTES must be positive")
	}

	var missing []string
	switch cfg.EditProvider {
	case ProviderFlux:
		if cfg.BFLAPIKey == "" {
			missing = append(missing, "BFL_API_KEY")
		}
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			missing = append(missing, "GEMINI_API_KEY")
		}
	default:
		errs = append(errs, fmt.Sprintf("EDIT_PROVIDER must be %q or %q, got %q", ProviderFlux, ProviderGemini, cfg.EditProvider))
	}
	if cfg.ApifyToken == "" {
		missing = append(missing, "APIFY_TOKEN")
	}
	if len(missing) > 0 {
		errs = append(errs, "missing required config: "+strings.Join(missing, ", "))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("%s must be a boolean", key)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s must be a duration like 2s", key)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseTokens parses "identity:bcrypt-hash" pairs separated by commas.
func parseTokens(s string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range splitList(s) {
		identity, hash, ok := strings.Cut(pair, ":")
		identity = strings.TrimSpace(identity)
		hash = strings.TrimSpace(hash)
		if !ok || identity == "" || hash == "" {
			return nil, fmt.Errorf("API_TOKENS entries must be identity:bcrypt-hash")
		}
		tokens[identity] = hash
	}
	return tokens, nil
}
