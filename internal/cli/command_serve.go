package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/picatz/dohrelay/internal/config"
	"github.com/picatz/dohrelay/internal/logging"
	"github.com/picatz/dohrelay/internal/server"
	"github.com/picatz/dohrelay/internal/telemetry"
	"github.com/picatz/dohrelay/pkg/ipinfo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var CommandServe = &cobra.Command{
	Use:   "serve [flags]",
	Short: "Run the DoH relay",
	Long: `Run the DoH relay.

The relay forwards RFC8484 and JSON API DoH requests on "/{doh_path}" to the default upstream,
and on "/{upstream}/{doh_path}" to the upstream named in the path. It also serves a JSON query
mode ("?doh=&domain=&type="), an IP info lookup, and a fallback for every other request.

Settings come from the YAML file given with --config, then the DOHRELAY_DOH, DOHRELAY_PATH,
DOHRELAY_TOKEN, DOHRELAY_URL302 and DOHRELAY_URL environment variables, then flags. The config
file is watched and reloaded on change.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), cmd)
	},
}

func serve(ctx context.Context, cmd *cobra.Command) error {
	cfg, watcher, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	tel, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	metrics, err := tel.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	lookup, closeLookup, err := newIPInfo(&cfg.IPInfo, logger.Logger)
	if err != nil {
		return err
	}
	defer closeLookup()

	srv, err := server.New(cfg, server.Options{
		IPInfo:  lookup,
		Logger:  logger.Logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	eg, gctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	eg.Go(func() error {
		return tel.ListenAndServe(gctx)
	})

	if watcher != nil {
		watcher.OnChange(func(newCfg *config.Config) {
			if err := applyFlags(cmd, newCfg); err != nil {
				logger.Error("Ignoring reloaded config", "error", err)
				return
			}

			if err := srv.Update(newCfg); err != nil {
				logger.Error("Ignoring reloaded config", "error", err)
				return
			}

			logger.SetLevel(newCfg.Logging.Level)
		})

		eg.Go(func() error {
			return watcher.Start(gctx)
		})
	}

	return eg.Wait()
}

// loadConfig returns the effective configuration and, when a config file
// was given, a watcher for it.
func loadConfig(cmd *cobra.Command) (*config.Config, *config.Watcher, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}

	var (
		cfg     *config.Config
		watcher *config.Watcher
	)

	if path != "" {
		watcher, err = config.NewWatcher(path, slog.Default())
		if err != nil {
			return nil, nil, err
		}
		cfg = watcher.Config()
	} else {
		cfg = config.LoadWithDefaults()
	}

	if err := applyFlags(cmd, cfg); err != nil {
		if watcher != nil {
			watcher.Close()
		}
		return nil, nil, err
	}

	return cfg, watcher, nil
}

// applyFlags overrides cfg with the flags set on the command line and
// validates the result.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	set := func(name string, dst *string) error {
		if !flags.Changed(name) {
			return nil
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}

	for name, dst := range map[string]*string{
		"listen":    &cfg.Server.ListenAddress,
		"upstream":  &cfg.Upstream.Default,
		"doh-path":  &cfg.Upstream.DoHPath,
		"token":     &cfg.Token,
		"log-level": &cfg.Logging.Level,
	} {
		if err := set(name, dst); err != nil {
			return fmt.Errorf("invalid --%s: %w", name, err)
		}
	}

	cfg.Upstream.DoHPath = config.NormalizeDoHPath(cfg.Upstream.DoHPath)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

// newIPInfo returns the IP info backend: local MaxMind databases when
// configured, the remote endpoint otherwise.
func newIPInfo(cfg *config.IPInfoConfig, logger *slog.Logger) (ipinfo.Lookuper, func() error, error) {
	noop := func() error { return nil }

	if cfg.CityDB != "" {
		geo, err := ipinfo.OpenGeoIP(cfg.CityDB, cfg.ASNDB, cfg.Lang)
		if err != nil {
			return nil, noop, err
		}
		return geo, geo.Close, nil
	}

	remote, err := ipinfo.NewRemote(ipinfo.RemoteOptions{
		Endpoint: cfg.Endpoint,
		Lang:     cfg.Lang,
		RetryMax: cfg.RetryMax,
		Logger:   logger,
	})
	if err != nil {
		return nil, noop, err
	}

	return remote, noop, nil
}

func init() {
	CommandServe.Flags().String("config", "", "path to a YAML config file, watched for changes")
	CommandServe.Flags().String("listen", "", "address to listen on, such as :8080")
	CommandServe.Flags().String("upstream", "", "default upstream DoH server, such as 1.1.1.1 or https://dns.google/dns-query")
	CommandServe.Flags().String("doh-path", "", "path segment the relay answers DoH requests on")
	CommandServe.Flags().String("token", "", "access token required for every request")
	CommandServe.Flags().String("log-level", "", "log level: debug, info, warn or error")

	CommandRoot.AddCommand(CommandServe)
}
