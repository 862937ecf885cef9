package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cartridge/selfsup/internal/collector"
	"github.com/cartridge/selfsup/internal/config"
	"github.com/cartridge/selfsup/internal/env"
	"github.com/cartridge/selfsup/internal/logging"
	"github.com/cartridge/selfsup/internal/policy"
	"github.com/cartridge/selfsup/internal/replayapi"
)

var (
	v            = viper.New()
	configFile   string
	evalEpisodes int
)

var rootCmd = &cobra.Command{
	Use:   "actor",
	Short: "Episode collection actor",
	Long: `Actor runs environment episodes with a random policy and pushes each
finished episode, terminal frame included, to the replay service.`,
	RunE:          runActor,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	d := config.Default()
	f := rootCmd.Flags()
	f.StringVar(&configFile, "config", "", "Config file (yaml, json or toml)")
	f.IntVar(&evalEpisodes, "eval-episodes", 0, "Episodes to evaluate the policy on before collecting")

	f.String("replay-addr", d.Collect.ReplayAddr, "Replay service address")
	f.String("env-id", d.Collect.EnvID, "Environment ID to run (e.g. gridworld-5x5)")
	f.Int64("seed", d.Collect.Seed, "Environment and policy seed")
	f.Int("max-episodes", d.Collect.MaxEpisodes, "Maximum episodes to run (-1 for unlimited)")
	f.Duration("episode-timeout", d.Collect.EpisodeTimeout, "Timeout per episode")
	f.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")

	for flag, key := range map[string]string{
		"replay-addr":     "collect.replay_addr",
		"env-id":          "collect.env_id",
		"seed":            "collect.seed",
		"max-episodes":    "collect.max_episodes",
		"episode-timeout": "collect.episode_timeout",
		"log-level":       "log_level",
	} {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func runActor(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		return err
	}

	e, err := env.Make(cfg.Collect.EnvID, cfg.Collect.Seed)
	if err != nil {
		return err
	}
	pol, err := policy.NewRandom(e.NumActions(), cfg.Collect.Seed)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if evalEpisodes > 0 {
		mean, _, err := collector.EvaluatePolicy(ctx, e, pol, evalEpisodes)
		if err != nil {
			return fmt.Errorf("policy evaluation failed: %w", err)
		}
		logger.Info().Int("episodes", evalEpisodes).Float64("mean_reward", mean).Msg("Policy evaluated")
	}

	conn, err := grpc.NewClient(cfg.Collect.ReplayAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to replay service: %w", err)
	}
	defer conn.Close()

	logger.Info().
		Str("env_id", e.ID()).
		Str("replay_addr", cfg.Collect.ReplayAddr).
		Msg("Starting actor")

	c := collector.New(e, pol, collector.Config{
		MaxEpisodes:    cfg.Collect.MaxEpisodes,
		EpisodeTimeout: cfg.Collect.EpisodeTimeout,
	}, logger)
	err = c.Run(ctx, replayapi.NewClient(conn))
	if errors.Is(err, context.Canceled) {
		logger.Info().Int("episodes", c.Episodes()).Msg("Actor stopped gracefully")
		return nil
	}
	if err != nil {
		return fmt.Errorf("actor failed: %w", err)
	}
	logger.Info().Int("episodes", c.Episodes()).Msg("Actor finished")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
