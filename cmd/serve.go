package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"

	"voice-relay/handler"
	"voice-relay/internal/config"
	"voice-relay/internal/dialog"
	"voice-relay/internal/domain"
	"voice-relay/internal/integrations/completion"
	"voice-relay/internal/integrations/elevenlabs"
	"voice-relay/internal/integrations/paramstore"
	"voice-relay/internal/reaper"
	"voice-relay/internal/repository"
	"voice-relay/internal/store"
	"voice-relay/internal/usecase"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

// awsClients holds the optional AWS-backed collaborators.
type awsClients struct {
	params      paramstore.Getter
	transcripts *repository.Client
}

func loadAWS(ctx context.Context, cfg config.Config) (awsClients, error) {
	var out awsClients
	if !cfg.UsesAWS() {
		return out, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return out, fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.ParamPrefix != "" {
		ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return out, fmt.Errorf("create SSM client: %w", err)
		}
		out.params = ps
	}
	if cfg.TranscriptTable != "" {
		repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.TranscriptTable)
		if err != nil {
			return out, fmt.Errorf("create transcript repository: %w", err)
		}
		out.transcripts = repo
	}
	return out, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)
	for _, w := range cfg.Validate() {
		logger.Warn("configuration warning", "warning", w)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	aws, err := loadAWS(ctx, cfg)
	if err != nil {
		return err
	}
	secrets := cfg.Secrets(aws.params)

	authToken, err := twilioAuthToken(ctx, cfg, secrets.Twilio, logger)
	if err != nil {
		return err
	}
	warmSecrets(ctx, logger, map[string]*paramstore.Secret{
		"xai": secrets.XAI, "elevenlabs": secrets.ElevenLabs,
	})

	// ---- Stores ----
	var archive *usecase.TranscriptArchive
	var convOpts []store.ConversationOption
	if aws.transcripts != nil {
		archive, err = usecase.NewTranscriptArchive(aws.transcripts, 0, logger)
		if err != nil {
			return err
		}
		convOpts = append(convOpts, store.WithExpiredSessionHook(func(s domain.CallSession) {
			archive.Archive(s, usecase.EndReasonExpired)
		}))
	}
	sessions := store.NewConversations(convOpts...)
	audio := store.NewAudio()

	// ---- Providers ----
	llm, err := completion.NewClient(secrets.XAI, completion.WithBaseURL(cfg.XAIBaseURL))
	if err != nil {
		return err
	}
	tts, err := elevenlabs.NewClient(secrets.ElevenLabs, cfg.ElevenLabsVoiceID,
		elevenlabs.WithBaseURL(cfg.ElevenLabsBaseURL),
		elevenlabs.WithModelID(cfg.ElevenLabsModelID),
		elevenlabs.WithRetry(cfg.ElevenLabsMaxRetries, cfg.ElevenLabsRetryBackoff),
		elevenlabs.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	// ---- Dialog ----
	pipeline, err := usecase.NewPipeline(llm, tts, sessions, audio, usecase.Settings{
		Model:             cfg.XAIModel,
		Temperature:       cfg.XAITemperature,
		MaxTokens:         cfg.XAIMaxTokens,
		CompletionTimeout: cfg.CompletionTimeout,
		PublicBaseURL:     cfg.PublicBaseURL,
	}, logger)
	if err != nil {
		return err
	}
	controller, err := dialog.NewController(pipeline, sessions, handler.ProcessSpeechPath, logger)
	if err != nil {
		return err
	}

	r, err := reaper.New(sessions, audio, reaper.Config{
		Interval:      cfg.CleanupInterval,
		SessionMaxAge: cfg.SessionMaxAge,
		AudioMaxAge:   cfg.AudioMaxAge,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	// ---- HTTP ----
	deps := handler.Deps{
		Dialog:        controller,
		Sessions:      sessions,
		Audio:         audio,
		AuthToken:     authToken,
		PublicBaseURL: cfg.PublicBaseURL,
		SessionMaxAge: cfg.SessionMaxAge,
		Logger:        logger,
	}
	if archive != nil {
		deps.Transcripts = aws.transcripts
		deps.OnCallEnded = func(s domain.CallSession) {
			archive.Archive(s, usecase.EndReasonCompleted)
		}
	}
	h, err := handler.NewHandler(deps)
	if err != nil {
		return err
	}
	app := h.App()

	r.Start(ctx)
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(fmt.Sprintf(":%d", cfg.Port))
	}()
	logger.Info("voice relay listening",
		"port", cfg.Port,
		"public_base_url", cfg.PublicBaseURL,
		"model", cfg.XAIModel,
		"xai_key", secrets.XAI.Source(),
		"elevenlabs_key", secrets.ElevenLabs.Source(),
		"signature_check", authToken != "",
		"transcripts", cfg.TranscriptTable != "",
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-listenErr:
		if err != nil {
			runErr = fmt.Errorf("listen: %w", err)
		}
	}

	r.Stop()
	if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	if archive != nil {
		archive.Wait()
	}
	return runErr
}

// warmSecrets resolves provider keys before the first call. Failures are only
// logged; the clients fetch again on demand.
func warmSecrets(ctx context.Context, logger *slog.Logger, secrets map[string]*paramstore.Secret) {
	for name, s := range secrets {
		if s.Source() == "unset" {
			logger.Warn("provider key not configured", "provider", name)
			continue
		}
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := s.Value(fetchCtx)
		cancel()
		if err != nil {
			logger.Warn("provider key not resolved at startup", "provider", name, "source", s.Source(), "err", err)
		}
	}
}

// twilioAuthToken returns the token used for signature checks, or "" when
// checks are off. A token that is configured but unreadable is fatal.
func twilioAuthToken(ctx context.Context, cfg config.Config, secret *paramstore.Secret, logger *slog.Logger) (string, error) {
	if cfg.SkipSignatureCheck {
		return "", nil
	}
	if secret.Source() == "unset" {
		logger.Warn("TWILIO_AUTH_TOKEN not configured; webhook signatures are not checked")
		return "", nil
	}
	token, err := secret.Value(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve twilio auth token: %w", err)
	}
	return token, nil
}
