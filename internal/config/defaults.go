package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:             "~/.stockbot/workspace",
			LogLevel:              "info",
			DefaultProvider:       "gemini",
			MaxConcurrentMessages: 5,
			RequestTimeoutSeconds: 60,
		},
		Providers: map[string]ProviderConfig{
			"gemini": {
				Enabled:      true,
				APIBase:      "https://generativelanguage.googleapis.com/v1beta",
				APIKey:       "${GEMINI_API_KEY}",
				DefaultModel: "gemini-1.5-flash",
			},
			"openai": {
				Enabled:      false,
				APIBase:      "https://api.openai.com/v1",
				APIKey:       "${OPENAI_API_KEY}",
				DefaultModel: "gpt-4o-mini",
			},
		},
		Channels: ChannelsConfig{
			Line: LineConfig{
				Enabled:       false,
				ChannelSecret: "${LINE_SECRET}",
				ChannelToken:  "${LINE_TOKEN}",
				Port:          5000,
				WebhookPath:   "/callback",
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			CLI: CLIConfig{
				Enabled: true,
			},
			API: APIConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    8080,
			},
		},
		Dispatch: DispatchConfig{
			LLMExtraction: true,
		},
		Market: MarketConfig{
			QuoteAPIBase:   "https://mis.twse.com.tw",
			HistoryAPIBase: "https://www.twse.com.tw",
			HistoryDays:    25,
			TimeoutSeconds: 10,
		},
		News: NewsConfig{
			Enabled:        false,
			APIKey:         "${SEARCH_API_KEY}",
			SearchEngineID: "${SEARCH_ENGINE_ID}",
			MaxResults:     5,
			DateRestrict:   "d7",
			BrowserFetch:   false,
		},
		Imaging: ImagingConfig{
			Enabled:   false,
			CloudName: "${CLOUDINARY_CLOUD_NAME}",
			APIKey:    "${CLOUDINARY_API_KEY}",
			APISecret: "${CLOUDINARY_API_SECRET}",
			Folder:    "stockbot",
		},
		Memory: MemoryConfig{
			Enabled:                   true,
			DBPath:                    "~/.stockbot/memory.db",
			MaxHistoryPerConversation: 100,
			RetentionDays:             365,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
