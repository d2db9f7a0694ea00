package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:   "~/.openplus",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:                "127.0.0.1",
			Port:                5000,
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 240,
			Title:               "openai-plus",
			LiveEvents:          true,
			RateLimitPerMinute:  60,
			RateLimitBurst:      20,
		},
		Feedback: FeedbackConfig{
			Path:      "~/.openplus/user_feedback.jsonl",
			Sync:      true,
			MinRating: 0,
			MaxRating: 5,
		},
		AutoAI: AutoAIConfig{
			Command:        "python",
			Args:           []string{"auto_ai.py"},
			WorkDir:        ".",
			ReportPath:     "ai_test_report.json",
			TimeoutSeconds: 180,
			MaxOutputBytes: 4000,
		},
		History: HistoryConfig{
			Enabled:       true,
			DBPath:        "~/.openplus/runs.db",
			RetentionDays: 90,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
