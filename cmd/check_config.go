package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"voice-relay/internal/config"
	"voice-relay/internal/integrations/paramstore"
)

func newCheckConfigCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the environment and optionally probe a running server",
		Long: `check-config loads the configuration, reports missing variables and
credential format problems, and resolves secrets stored in SSM.

With --probe it also calls GET /health on PUBLIC_BASE_URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheckConfig(cmd.Context(), cmd.OutOrStdout(), probe)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "call /health on the configured public base URL")
	return cmd
}

func runCheckConfig(ctx context.Context, out io.Writer, probe bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	warnings := cfg.Validate()
	if len(warnings) == 0 {
		fmt.Fprintln(out, "ok: all required settings look valid")
	}
	for _, w := range warnings {
		fmt.Fprintln(out, "warning:", w)
	}

	if cfg.ParamPrefix != "" {
		aws, err := loadAWS(ctx, cfg)
		if err != nil {
			return err
		}
		secrets := cfg.Secrets(aws.params)
		for _, s := range []struct {
			name   string
			secret *paramstore.Secret
		}{
			{"xai", secrets.XAI},
			{"elevenlabs", secrets.ElevenLabs},
			{"twilio", secrets.Twilio},
		} {
			_, err := s.secret.Value(ctx)
			if errors.Is(err, paramstore.ErrParameterNotFound) {
				fmt.Fprintf(out, "warning: %s secret: no parameter at %s\n", s.name, s.secret.Source())
				continue
			}
			if err != nil {
				fmt.Fprintf(out, "warning: %s secret from %s: %v\n", s.name, s.secret.Source(), err)
				continue
			}
			fmt.Fprintf(out, "ok: %s secret from %s\n", s.name, s.secret.Source())
		}
	}

	if probe {
		return probeHealth(ctx, out, cfg.PublicBaseURL)
	}
	return nil
}

func probeHealth(ctx context.Context, out io.Writer, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe: unexpected status %d", res.StatusCode)
	}

	var body struct {
		Status     string `json:"status"`
		Uptime     int64  `json:"uptime"`
		AudioFiles int    `json:"audioFiles"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return fmt.Errorf("health probe: decode: %w", err)
	}
	fmt.Fprintf(out, "ok: health %s, uptime %ds, %d audio files\n", body.Status, body.Uptime, body.AudioFiles)
	return nil
}
