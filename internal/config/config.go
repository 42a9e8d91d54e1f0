package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for StockBot.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Providers map[string]ProviderConfig `json:"providers"`
	Channels  ChannelsConfig            `json:"channels"`
	Dispatch  DispatchConfig            `json:"dispatch"`
	Market    MarketConfig              `json:"market"`
	News      NewsConfig                `json:"news"`
	Imaging   ImagingConfig             `json:"imaging"`
	Memory    MemoryConfig              `json:"memory"`
	Metrics   MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	Workspace             string   `json:"workspace"` // scratch dir for rendered charts
	LogLevel              string   `json:"logLevel"`
	LogFile               string   `json:"logFile,omitempty"`
	DefaultProvider       string   `json:"defaultProvider"`
	FailoverChain         []string `json:"failoverChain,omitempty"` // provider failover order
	MaxConcurrentMessages int      `json:"maxConcurrentMessages"`
	RequestTimeoutSeconds int      `json:"requestTimeoutSeconds"` // per-message deadline
}

type ProviderConfig struct {
	Enabled         bool   `json:"enabled"`
	APIBase         string `json:"apiBase,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	DefaultModel    string `json:"defaultModel,omitempty"`
	RateLimitPerMin int    `json:"rateLimitPerMinute,omitempty"`
}

type ChannelsConfig struct {
	Line     LineConfig     `json:"line"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	CLI      CLIConfig      `json:"cli"`
	API      APIConfig      `json:"api"`
}

type LineConfig struct {
	Enabled       bool   `json:"enabled"`
	ChannelSecret string `json:"channelSecret"`
	ChannelToken  string `json:"channelToken"`
	Port          int    `json:"port"`
	WebhookPath   string `json:"webhookPath,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"` // optional: restrict to specific guild
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"` // required for Socket Mode
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// DispatchConfig tunes intent classification. Keywords extend the built-in
// menu phrases; they never replace them.
type DispatchConfig struct {
	StockKeywords []string `json:"stockKeywords,omitempty"`
	ChartKeywords []string `json:"chartKeywords,omitempty"`
	NewsKeywords  []string `json:"newsKeywords,omitempty"`
	LLMExtraction bool     `json:"llmExtraction"` // resolve company names to codes via the LLM
}

type MarketConfig struct {
	QuoteAPIBase   string `json:"quoteApiBase"`   // realtime quote endpoint
	HistoryAPIBase string `json:"historyApiBase"` // daily OHLCV endpoint
	HistoryDays    int    `json:"historyDays"`    // trading days used for charts and analysis
	TimeoutSeconds int    `json:"timeoutSeconds"`
	SymbolsFile    string `json:"symbolsFile,omitempty"` // extra company-name aliases (YAML)
}

type NewsConfig struct {
	Enabled        bool   `json:"enabled"`
	APIKey         string `json:"apiKey"`
	SearchEngineID string `json:"searchEngineId"`
	APIBase        string `json:"apiBase,omitempty"`
	MaxResults     int    `json:"maxResults"`
	DateRestrict   string `json:"dateRestrict"` // e.g. "d7" = last seven days
	BrowserFetch   bool   `json:"browserFetch"` // chromedp fallback for JS-heavy pages
}

type ImagingConfig struct {
	Enabled   bool   `json:"enabled"`
	CloudName string `json:"cloudName"`
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
	Folder    string `json:"folder,omitempty"`
}

type MemoryConfig struct {
	Enabled                   bool   `json:"enabled"`
	DBPath                    string `json:"dbPath"`
	MaxHistoryPerConversation int    `json:"maxHistoryPerConversation"`
	RetentionDays             int    `json:"retentionDays"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.stockbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stockbot"
	}
	return filepath.Join(home, ".stockbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = expandPath(cfg.General.Workspace)
	cfg.Memory.DBPath = expandPath(cfg.Memory.DBPath)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.Market.SymbolsFile = expandPath(cfg.Market.SymbolsFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	if cfg.General.RequestTimeoutSeconds < 1 || cfg.General.RequestTimeoutSeconds > 600 {
		errs = append(errs, "general.requestTimeoutSeconds must be between 1 and 600")
	}
	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of debug, info, warn, error")
	}
	if p := cfg.Channels.Line.Port; cfg.Channels.Line.Enabled && (p < 1 || p > 65535) {
		errs = append(errs, "channels.line.port must be between 1 and 65535")
	}
	if p := cfg.Channels.API.Port; cfg.Channels.API.Enabled && (p < 1 || p > 65535) {
		errs = append(errs, "channels.api.port must be between 1 and 65535")
	}
	if cfg.Market.HistoryDays < 2 || cfg.Market.HistoryDays > 240 {
		errs = append(errs, "market.historyDays must be between 2 and 240")
	}
	if cfg.Market.TimeoutSeconds < 1 || cfg.Market.TimeoutSeconds > 120 {
		errs = append(errs, "market.timeoutSeconds must be between 1 and 120")
	}
	if cfg.News.Enabled && cfg.News.MaxResults < 1 {
		errs = append(errs, "news.maxResults must be at least 1")
	}
	if cfg.Memory.Enabled {
		if cfg.Memory.MaxHistoryPerConversation < 1 {
			errs = append(errs, "memory.maxHistoryPerConversation must be at least 1")
		}
		if cfg.Memory.RetentionDays < 1 {
			errs = append(errs, "memory.retentionDays must be at least 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	return expandPath(path)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
