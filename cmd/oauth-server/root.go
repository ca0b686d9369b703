package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix prefixes every environment variable, e.g. OAUTH_ISSUER.
const envPrefix = "OAUTH"

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "oauth-server",
		Short:         "oauth-server is an OAuth 2.1 authorization server with OpenID Connect and device flow support",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")
	persistentFlags.String("env-file", ".env", "dotenv file loaded into the environment at startup (ignored when missing)")
	persistentFlags.String("log-level", "info", "log level (debug, info, warn, error)")
	persistentFlags.String("log-format", "text", "log format (text, json)")
	bindFlags(v, persistentFlags)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(
		newServeCommand(v),
		newHashSecretCommand(),
		newGenerateKeyCommand(),
		newVersionCommand(),
	)
	return cmd
}

// bindFlags makes every flag in flags resolvable through v, so that the
// value comes from the flag, the environment or the config file, in that
// order.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(fmt.Sprintf("bind flag %q: %v", flag.Name, err))
		}
	})
}

// loadConfig loads the dotenv file and the optional YAML config file.
func loadConfig(v *viper.Viper) error {
	if envFile := strings.TrimSpace(v.GetString("env-file")); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %q: %w", envFile, err)
		}
	}

	cfgPath := strings.TrimSpace(v.GetString("config"))
	if cfgPath == "" {
		return nil
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", cfgPath, err)
	}
	return nil
}

// newLogger builds the process logger from --log-level and --log-format.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (text, json)", format)
	}
}
