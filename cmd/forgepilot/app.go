package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/forgepilot/forgepilot/internal/checkpoint"
	"github.com/forgepilot/forgepilot/internal/config"
	"github.com/forgepilot/forgepilot/internal/dialogue"
	"github.com/forgepilot/forgepilot/internal/forge"
	"github.com/forgepilot/forgepilot/internal/health"
	"github.com/forgepilot/forgepilot/internal/mcptool"
	"github.com/forgepilot/forgepilot/internal/producer"
	"github.com/forgepilot/forgepilot/internal/queue"
	"github.com/forgepilot/forgepilot/internal/secrets"
	"github.com/forgepilot/forgepilot/internal/sigctl"
	"github.com/forgepilot/forgepilot/internal/task"
	"github.com/forgepilot/forgepilot/internal/telemetry"
	"github.com/forgepilot/forgepilot/internal/userconfig"
	"github.com/forgepilot/forgepilot/internal/webhook"
	"github.com/forgepilot/forgepilot/internal/worker"
)

func buildForges(ctx context.Context, cfg *config.Config) map[task.Platform]forge.Forge {
	forges := make(map[task.Platform]forge.Forge)
	if cfg.GitHubEnabled() {
		token, err := githubToken(cfg)
		if err != nil {
			slog.Error("github credentials unusable, skipping adapter", "error", err)
		} else {
			forges[task.PlatformGitHub] = forge.NewGitHub(ctx, token)
		}
	}
	if cfg.GitLabEnabled() {
		forges[task.PlatformGitLab] = forge.NewGitLab(cfg.GitLabAPIURL, cfg.GitLabToken)
	}
	return forges
}

// githubToken resolves the GitHub credential: a personal access token when
// present, otherwise a short-lived App installation token. The resolved token
// is written back so the tool-server environment sees the same credential.
func githubToken(cfg *config.Config) (string, error) {
	if cfg.GitHubToken != "" {
		return cfg.GitHubToken, nil
	}
	app := &forge.AppAuth{AppID: cfg.GitHubAppID, PrivateKey: cfg.GitHubAppPrivateKey}
	tok, err := app.GetInstallationToken(cfg.GitHubAppRepo)
	if err != nil {
		return "", fmt.Errorf("mint installation token: %w", err)
	}
	slog.Info("using github app installation token", "expires_at", tok.ExpiresAt)
	cfg.GitHubToken = tok.Token
	return tok.Token, nil
}

// buildCheckpoints picks the checkpoint backend: object storage when a bucket
// is configured, a local directory otherwise.
func buildCheckpoints(cfg *config.Config) (checkpoint.Store, error) {
	if cfg.CheckpointS3Bucket != "" {
		slog.Info("using s3 checkpoint backend", "bucket", cfg.CheckpointS3Bucket)
		return checkpoint.NewS3Store(checkpoint.S3Config{
			Endpoint:        cfg.CheckpointS3Endpoint,
			Region:          cfg.CheckpointS3Region,
			AccessKeyID:     cfg.CheckpointS3AccessKey,
			SecretAccessKey: cfg.CheckpointS3SecretKey,
			Bucket:          cfg.CheckpointS3Bucket,
		})
	}
	return checkpoint.NewFileStore(cfg.CheckpointDir)
}

func buildQueue(cfg *config.Config) (queue.Queue, error) {
	if cfg.RabbitMQURL != "" {
		q, err := queue.NewRabbit(cfg.RabbitMQURL, cfg.RabbitMQName)
		if err != nil {
			return nil, fmt.Errorf("connect broker: %w", err)
		}
		slog.Info("using durable queue backend", "queue", cfg.RabbitMQName)
		return q, nil
	}
	slog.Info("using in-process queue backend", "capacity", cfg.QueueSize)
	return queue.NewMemory(cfg.QueueSize), nil
}

func runProducer(cfg *config.Config, continuous bool) error {
	ctx := context.Background()
	signals := sigctl.Install()

	q, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	hb, err := health.NewHeartbeat(cfg.HealthcheckDir, "producer")
	if err != nil {
		return err
	}

	forges := buildForges(ctx, cfg)
	if len(forges) == 0 {
		return fmt.Errorf("no forge configured")
	}

	p := &producer.Producer{
		Forges:    forgeList(forges),
		Queue:     q,
		Signals:   signals,
		Heartbeat: hb,
		BotLabel:  cfg.BotLabel,
		Interval:  cfg.PollInterval,
	}

	if continuous {
		p.Run(ctx)
		return nil
	}
	n := p.RunOnce(ctx)
	slog.Info("single poll pass complete", "enqueued", n)
	return nil
}

func runConsumer(cfg *config.Config) error {
	ctx := context.Background()
	signals := sigctl.Install()

	q, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	hb, err := health.NewHeartbeat(cfg.HealthcheckDir, "consumer")
	if err != nil {
		return err
	}

	checkpoints, err := buildCheckpoints(cfg)
	if err != nil {
		return err
	}

	store, err := telemetry.NewStore(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	forges := buildForges(ctx, cfg)
	if len(forges) == 0 {
		return fmt.Errorf("no forge configured")
	}

	pool := &worker.Pool{
		Max: cfg.MaxLLMProcessNum,
		Deps: worker.Deps{
			Queue:       q,
			Forges:      forges,
			Signals:     signals,
			Heartbeat:   hb,
			Checkpoints: checkpoints,
			Telemetry:   store,
			NewLLM:      llmFactory(cfg),
			NewTools:    toolFactory(cfg),
			BotNames: map[task.Platform]string{
				task.PlatformGitHub: cfg.GitHubBotName,
				task.PlatformGitLab: cfg.GitLabBotName,
			},
			BotLabel:           cfg.BotLabel,
			ProcessingLabel:    cfg.ProcessingLabel,
			DoneLabel:          cfg.DoneLabel,
			QueueTimeout:       cfg.QueueTimeout,
			MinInterval:        cfg.MinInterval,
			MaxTurns:           cfg.MaxTurns,
			ToolResultMaxChars: cfg.ToolResultMaxChars,
			ConvertIssues:      cfg.IssueToMREnabled,
			DraftCRs:           cfg.DraftCRs,
		},
	}

	pool.Run(ctx)
	return nil
}

// llmFactory resolves per-user overrides through the config service when one
// is configured, falling back to the ambient model and key.
func llmFactory(cfg *config.Config) worker.LLMFactory {
	var resolver *userconfig.Client
	if cfg.ConfigServiceURL != "" {
		resolver = userconfig.NewClient(cfg.ConfigServiceURL, cfg.APIServerKey)
	}

	return func(ctx context.Context, platform task.Platform, user string) (dialogue.LLM, string, error) {
		model, apiKey, baseURL := cfg.Model, cfg.AnthropicAPIKey, cfg.AnthropicBaseURL
		if resolver != nil && user != "" {
			data, err := resolver.Resolve(ctx, string(platform), user)
			if err != nil {
				slog.Warn("per-user config lookup failed, using defaults", "user", user, "error", err)
			} else {
				if data.LLM.Model != "" {
					model = data.LLM.Model
				}
				if data.LLM.APIKey != "" {
					apiKey = data.LLM.APIKey
				}
				if data.LLM.BaseURL != "" {
					baseURL = data.LLM.BaseURL
				}
			}
		}
		if apiKey == "" {
			return nil, "", fmt.Errorf("no llm api key available for user %q", user)
		}
		return dialogue.NewAnthropicClient(apiKey, model, baseURL, 8192), model, nil
	}
}

// toolFactory spawns the configured tool server per task. No configured
// command means the dialogue runs without tools.
func toolFactory(cfg *config.Config) worker.ToolFactory {
	if cfg.ToolServerCmd == "" {
		return nil
	}
	parts := strings.Fields(cfg.ToolServerCmd)

	return func(ctx context.Context, key task.Key) (dialogue.ToolCaller, func() error, error) {
		env := toolEnv(cfg, key)
		client, err := mcptool.Connect(ctx, parts[0], parts[1:], env, key)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}
}

func toolEnv(cfg *config.Config, key task.Key) []string {
	env := []string{
		"TASK_PLATFORM=" + string(key.Platform),
		"TASK_KIND=" + string(key.Kind),
	}
	if key.Platform == task.PlatformGitHub {
		env = append(env,
			"FORGE_TOKEN="+cfg.GitHubToken,
			"REPO_OWNER="+key.Owner,
			"REPO_NAME="+key.Repo,
			fmt.Sprintf("TASK_NUMBER=%d", key.Number),
		)
	} else {
		env = append(env,
			"FORGE_TOKEN="+cfg.GitLabToken,
			"FORGE_API_URL="+cfg.GitLabAPIURL,
			fmt.Sprintf("PROJECT_ID=%d", key.ProjectID),
			fmt.Sprintf("TASK_IID=%d", key.IID),
		)
	}
	return env
}

func runWebhook(cfg *config.Config) error {
	q, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	hb, err := health.NewHeartbeat(cfg.HealthcheckDir, "webhook")
	if err != nil {
		return err
	}

	srv := &webhook.Server{
		Addr:      fmt.Sprintf(":%d", cfg.Port),
		Heartbeat: hb,
		Handler: &webhook.Handler{
			Queue:             q,
			BotLabel:          cfg.BotLabel,
			GitHubSecret:      cfg.GitHubWebhookSecret,
			GitLabToken:       cfg.GitLabWebhookToken,
			GitLabSystemToken: cfg.GitLabSystemHookToken,
		},
	}

	// The user-config API runs next to the ingress when a server key is set.
	var cfgSrv *http.Server
	if cfg.APIServerKey != "" {
		store, err := telemetry.NewStore(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		cipher, err := secrets.NewCipher(secrets.KeyFromEnv())
		if err != nil {
			return err
		}

		api := &userconfig.Server{
			Telemetry: store,
			Cipher:    cipher,
			BearerKey: cfg.APIServerKey,
			Defaults: userconfig.Data{
				LLM:              userconfig.LLMBlock{Provider: "anthropic", Model: cfg.Model},
				MaxLLMProcessNum: cfg.MaxLLMProcessNum,
			},
		}
		cfgSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port+1),
			Handler: api.Router(),
		}
		go func() {
			slog.Info("config api listening", "addr", cfgSrv.Addr)
			if err := cfgSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("config api failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		slog.Info("shutting down webhook server", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cfgSrv != nil {
		if err := cfgSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("config api shutdown failed", "error", err)
		}
	}
	return srv.Shutdown(shutdownCtx)
}

func forgeList(m map[task.Platform]forge.Forge) []forge.Forge {
	out := make([]forge.Forge, 0, len(m))
	// Stable order keeps poll logs predictable.
	if f, ok := m[task.PlatformGitHub]; ok {
		out = append(out, f)
	}
	if f, ok := m[task.PlatformGitLab]; ok {
		out = append(out, f)
	}
	return out
}
