package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/hh-screener/internal/ai"
	"github.com/spigell/hh-screener/internal/ai/gemini"
	"github.com/spigell/hh-screener/internal/callog"
	"github.com/spigell/hh-screener/internal/evaluation"
	"github.com/spigell/hh-screener/internal/interview"
	"github.com/spigell/hh-screener/internal/logger"
	"github.com/spigell/hh-screener/internal/notify"
	"github.com/spigell/hh-screener/internal/screener"
	"github.com/spigell/hh-screener/internal/secrets"
	"github.com/spigell/hh-screener/internal/server"
	"github.com/spigell/hh-screener/internal/session"
	"github.com/spigell/hh-screener/internal/telephony"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server that conducts screening calls",
	Run: func(_ *cobra.Command, _ []string) {
		serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("listen", "l", "", "address to listen on (default :8000)")
	serveCmd.Flags().String("webhook-base-url", "", "public base url the telephony provider calls back")
	serveCmd.Flags().StringSlice("disable-notifier", nil, "notifier to keep silent (system_of_record, telegram)")

	viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("webhook-base-url", serveCmd.Flags().Lookup("webhook-base-url"))
	viper.BindPFlag("disable-notifier", serveCmd.Flags().Lookup("disable-notifier"))
}

func serve() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the hh-screener", zap.String("version", version))

	if viper.GetBool("debug") {
		pretty, _ := json.MarshalIndent(redacted(config), "", "  ")
		logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry, err := newRegistry(ctx, config.Registry, logger)
	if err != nil {
		logger.Fatal("creating a session registry", zap.Error(err))
	}
	defer registry.Close()

	sink, err := callog.NewFileSink(config.LogsDir, logger.Named("callog"))
	if err != nil {
		logger.Fatal("creating a call log sink", zap.Error(err))
	}

	generator, scorer, synthesizer, err := newAI(ctx, config, logger)
	if err != nil {
		logger.Fatal("building gemini clients",
			zap.Error(err),
			zap.String("hint", "set GEMINI_API_KEY or the 'ai.gemini.api-key-file' key in the configuration file"),
		)
	}

	opts := []interview.Option{interview.WithSink(sink)}
	if synthesizer != nil {
		opts = append(opts, interview.WithSynthesizer(synthesizer))
	}
	turns := interview.New(registry, generator, logger.Named("interview"), opts...)

	provider, authToken := newProvider(config, logger)

	notifier := newNotifier(config.Notify, logger.Named("notify"))
	for _, name := range viper.GetStringSlice("disable-notifier") {
		notifier.DisableByName(name, "disabled by flag")
	}
	for _, st := range notifier.Describe() {
		logger.Info("notification channel", zap.String("name", st.Name), zap.Bool("enabled", st.Enabled), zap.String("reason", st.Reason))
	}

	svc, err := screener.New(screener.Deps{
		Registry:  registry,
		Provider:  provider,
		Turns:     turns,
		Evaluator: evaluation.New(scorer, logger.Named("evaluation")),
		Sink:      sink,
		Notifier:  notifier,
		Logger:    logger.Named("screener"),
	})
	if err != nil {
		logger.Fatal("creating the screener", zap.Error(err))
	}

	if config.Telephony.ValidateSignatures && authToken == "" {
		logger.Fatal("signature validation requires the telephony auth token")
	}

	srv := server.New(svc, server.Config{
		Listen:             config.Listen,
		WebhookBaseURL:     config.WebhookBaseURL,
		AudioDir:           config.AudioDir,
		AuthToken:          authToken,
		ValidateSignatures: config.Telephony.ValidateSignatures,
	}, logger.Named("http"))

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("serving http", zap.Error(err))
	}
	logger.Info("exiting", zap.String("reason", "shutdown requested"))
}

func newRegistry(ctx context.Context, cfg *RegistryConfig, logger *zap.Logger) (session.Registry, error) {
	driver := session.Driver(strings.ToLower(strings.TrimSpace(cfg.Driver)))
	if driver != session.DriverRedis {
		registry, err := session.NewRegistry(driver)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", err, cfg.Driver)
		}
		logger.Info("using session registry", zap.String("driver", string(session.DriverMemory)))
		return registry, nil
	}

	if cfg.Redis == nil || cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("%w: registry.redis.addr is required", session.ErrInvalidConfig)
	}

	var ttl time.Duration
	if cfg.Redis.TTL != "" {
		parsed, err := time.ParseDuration(cfg.Redis.TTL)
		if err != nil {
			return nil, fmt.Errorf("parse registry.redis.ttl: %w", err)
		}
		ttl = parsed
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}

	logger.Info("using session registry", zap.String("driver", string(driver)), zap.String("addr", cfg.Redis.Addr))
	return session.NewRegistry(driver, session.WithRedisClient(client), session.WithRedisTTL(ttl))
}

func newAI(ctx context.Context, config *Config, base *zap.Logger) (ai.Generator, ai.Scorer, ai.Synthesizer, error) {
	cfg := config.AI.Gemini

	apiKey, err := secrets.Load(secrets.Source{
		Name:  "gemini api key",
		File:  cfg.APIKeyFile,
		Value: cfg.APIKey,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	client, err := gemini.NewClient(ctx, apiKey)
	if err != nil {
		return nil, nil, nil, err
	}

	generator, err := gemini.NewGenerator(client, cfg.Model, cfg.MaxRetries, logger.WithCommonFields(base, "gemini", cfg.Model))
	if err != nil {
		return nil, nil, nil, err
	}
	generator.SetMaxLogLength(cfg.MaxLogLength)

	evalModel := cfg.EvaluationModel
	if evalModel == "" {
		evalModel = generator.Model()
	}
	evalLogger := logger.WithCommonFields(base, "gemini", evalModel)
	evalGenerator, err := gemini.NewGenerator(client, evalModel, cfg.MaxRetries, evalLogger)
	if err != nil {
		return nil, nil, nil, err
	}
	evalGenerator.SetMaxLogLength(cfg.MaxLogLength)
	scorer := gemini.NewScorer(evalGenerator, evalLogger)

	speech := config.AI.Speech
	if speech == nil || !speech.Enabled {
		base.Info("speech synthesis disabled", zap.String("fallback_voice", telephony.DefaultVoice))
		return generator, scorer, nil, nil
	}

	synthesizer, err := gemini.NewSynthesizer(client, speech.Model, speech.Voice, config.AudioDir, base.Named("speech"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("speech synthesis: %w", err)
	}
	return generator, scorer, synthesizer, nil
}

// newProvider returns the call provider and the token used to sign its webhooks.
func newProvider(config *Config, logger *zap.Logger) (telephony.Provider, string) {
	cfg := config.Telephony
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))

	if name == "dry-run" {
		logger.Warn("telephony provider is dry-run, no real calls are placed")
		return telephony.NewDryRun(logger.Named("telephony")), ""
	}
	if name != "" && name != "twilio" {
		logger.Fatal("unsupported telephony provider", zap.String("provider", cfg.Provider))
	}

	token, err := secrets.Load(secrets.Source{
		Name:  "twilio auth token",
		File:  cfg.AuthTokenFile,
		Value: cfg.AuthToken,
	})
	if err != nil {
		logger.Warn("twilio is not configured, calls will be rejected", zap.Error(err))
	}

	tw := telephony.NewTwilio(logger.Named("telephony"), cfg.AccountSID, token, cfg.From, config.WebhookBaseURL)
	if tw.Configured() && config.WebhookBaseURL == "" {
		logger.Warn("webhook-base-url is empty, twilio will not reach the webhooks")
	}
	return tw, token
}

func newNotifier(cfg *NotifyConfig, logger *zap.Logger) *notify.Fanout {
	var steps []notify.Notifier

	if cfg.SystemOfRecord != nil && strings.TrimSpace(cfg.SystemOfRecord.URL) != "" {
		steps = append(steps, &notify.SystemOfRecord{BaseURL: cfg.SystemOfRecord.URL})
	}

	if tg := cfg.Telegram; tg != nil {
		token, err := secrets.Load(secrets.Source{
			Name:  "telegram token",
			File:  tg.TokenFile,
			Value: tg.Token,
		})
		switch {
		case err != nil:
			logger.Warn("skipping telegram notifications", zap.Error(err))
		default:
			bot, err := notify.NewTelegram(token, tg.ChatID)
			if err != nil {
				logger.Warn("skipping telegram notifications", zap.Error(err))
				break
			}
			steps = append(steps, bot)
		}
	}

	return notify.NewFanout(logger, steps...)
}

// redacted hides secrets before the config is logged.
func redacted(config *Config) *Config {
	out := *config
	hide := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}

	if config.Telephony != nil {
		t := *config.Telephony
		t.AuthToken = hide(t.AuthToken)
		out.Telephony = &t
	}
	if config.AI != nil && config.AI.Gemini != nil {
		a := *config.AI
		g := *config.AI.Gemini
		g.APIKey = hide(g.APIKey)
		a.Gemini = &g
		out.AI = &a
	}
	if config.Notify != nil && config.Notify.Telegram != nil {
		n := *config.Notify
		tg := *config.Notify.Telegram
		tg.Token = hide(tg.Token)
		n.Telegram = &tg
		out.Notify = &n
	}
	if config.Registry != nil && config.Registry.Redis != nil {
		r := *config.Registry
		rd := *config.Registry.Redis
		rd.Password = hide(rd.Password)
		r.Redis = &rd
		out.Registry = &r
	}
	return &out
}
