package cmd

import (
	"errors"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	app       = "hh-screener"
	envPrefix = "HH_SCREENER"
)

type Config struct {
	Listen         string           `mapstructure:"listen"`
	WebhookBaseURL string           `mapstructure:"webhook-base-url"`
	LogsDir        string           `mapstructure:"logs-dir"`
	AudioDir       string           `mapstructure:"audio-dir"`
	Registry       *RegistryConfig  `mapstructure:"registry"`
	Telephony      *TelephonyConfig `mapstructure:"telephony"`
	AI             *AIConfig        `mapstructure:"ai"`
	Notify         *NotifyConfig    `mapstructure:"notify"`
}

type RegistryConfig struct {
	Driver string       `mapstructure:"driver"`
	Redis  *RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TTL      string `mapstructure:"ttl"`
}

type TelephonyConfig struct {
	Provider           string `mapstructure:"provider"`
	AccountSID         string `mapstructure:"account-sid"`
	AuthToken          string `mapstructure:"auth-token"`
	AuthTokenFile      string `mapstructure:"auth-token-file"`
	From               string `mapstructure:"from"`
	ValidateSignatures bool   `mapstructure:"validate-signatures"`
}

type AIConfig struct {
	Gemini *GeminiConfig `mapstructure:"gemini"`
	Speech *SpeechConfig `mapstructure:"speech"`
}

type GeminiConfig struct {
	APIKey          string `mapstructure:"api-key"`
	APIKeyFile      string `mapstructure:"api-key-file"`
	Model           string `mapstructure:"model"`
	EvaluationModel string `mapstructure:"evaluation-model"`
	MaxRetries      int    `mapstructure:"max-retries"`
	MaxLogLength    int    `mapstructure:"max-log-length"`
}

type SpeechConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Model   string `mapstructure:"model"`
	Voice   string `mapstructure:"voice"`
}

type NotifyConfig struct {
	SystemOfRecord *struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"system-of-record"`
	Telegram *TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token-file"`
	ChatID    int64  `mapstructure:"chat-id"`
}

var (
	// Used for flags.
	cfgFile string

	envKeys = strings.NewReplacer("-", "_", ".", "_")

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "hh-screener places automated screening calls and evaluates candidates",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is hh-screener.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	viper.SetDefault("listen", ":8000")
	viper.SetDefault("logs-dir", "interview_logs")
	viper.SetDefault("audio-dir", "audio_files")
	viper.SetDefault("registry.driver", "memory")
	viper.SetDefault("telephony.provider", "twilio")
	viper.SetDefault("ai.gemini.max-retries", 3)
}

func initConfig() {
	// A missing .env is fine; a broken one is not.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("loading .env: %v", err)
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(envKeys)
	viper.AutomaticEnv()
	bindEnv(map[string]string{
		"ai.gemini.api-key":           "GEMINI_API_KEY",
		"telephony.account-sid":       "TWILIO_ACCOUNT_SID",
		"telephony.auth-token":        "TWILIO_AUTH_TOKEN",
		"telephony.from":              "TWILIO_PHONE_NUMBER",
		"webhook-base-url":            "WEBHOOK_BASE_URL",
		"notify.system-of-record.url": "NEXTJS_API_URL",
		"notify.telegram.token":       "TELEGRAM_BOT_TOKEN",
	})

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// The config file is optional unless given explicitly; env vars cover the rest.
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

// bindEnv lets well-known variables set a key next to its prefixed name.
func bindEnv(keys map[string]string) {
	for key, env := range keys {
		prefixed := envPrefix + "_" + strings.ToUpper(envKeys.Replace(key))
		if err := viper.BindEnv(key, prefixed, env); err != nil {
			log.Fatalf("binding %s environment variable: %v", env, err)
		}
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}
	if config == nil {
		config = &Config{}
	}
	if config.Registry == nil {
		config.Registry = &RegistryConfig{}
	}
	if config.Telephony == nil {
		config.Telephony = &TelephonyConfig{}
	}
	if config.AI == nil {
		config.AI = &AIConfig{}
	}
	if config.AI.Gemini == nil {
		config.AI.Gemini = &GeminiConfig{}
	}
	if config.Notify == nil {
		config.Notify = &NotifyConfig{}
	}

	return config, nil
}
