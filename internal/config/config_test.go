package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestGetConfigDefaults(t *testing.T) {
	cfg, err := GetConfig(nil)
	require.NoError(t, err)
	require.Equal(t, "localhost:8080", cfg.Handler.ServerAddr)
	require.Equal(t, "info", cfg.Logger.LogLevel)
	require.Equal(t, 10*time.Minute, cfg.OTP.TTL)
	require.Equal(t, 5, cfg.OTP.MaxAttempts)
}

func TestGetConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "admarket.yaml")
	require.NoError(t, os.WriteFile(file, []byte("RUN_ADDRESS: file:1\nLOG_LEVEL: warn\nOTP_TTL: 1m\n"), 0o600))

	t.Setenv("LOG_LEVEL", "debug")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("config", "", "")
	flags.String("run-address", "", "")
	flags.String("log-level", "", "")
	require.NoError(t, flags.Parse([]string{"--config", file, "--run-address", "flag:2"}))

	cfg, err := GetConfig(flags)
	require.NoError(t, err)
	require.Equal(t, "flag:2", cfg.Handler.ServerAddr)
	require.Equal(t, "debug", cfg.Logger.LogLevel)
	require.Equal(t, time.Minute, cfg.OTP.TTL)
}

func TestGetConfigMissingFile(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("config", "", "")
	require.NoError(t, flags.Parse([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}))

	_, err := GetConfig(flags)
	require.Error(t, err)
}

func TestEnsureTokenSecret(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "")
	t.Setenv("DATABASE_URI", "")

	cfg, err := GetConfig(nil)
	require.NoError(t, err)
	require.Empty(t, cfg.Token.Secret)

	// без базы ключ генерируется на процесс
	generated, err := cfg.EnsureTokenSecret()
	require.NoError(t, err)
	require.True(t, generated)
	require.Len(t, cfg.Token.Secret, 64)

	other, err := GetConfig(nil)
	require.NoError(t, err)
	_, err = other.EnsureTokenSecret()
	require.NoError(t, err)
	require.NotEqual(t, cfg.Token.Secret, other.Token.Secret)

	// с базой ключ обязателен
	t.Setenv("DATABASE_URI", "postgres://localhost/admarket")
	cfg, err = GetConfig(nil)
	require.NoError(t, err)
	_, err = cfg.EnsureTokenSecret()
	require.ErrorIs(t, err, ErrTokenSecretRequired)

	// заданный ключ не меняется
	t.Setenv("TOKEN_SECRET", "s3cret")
	cfg, err = GetConfig(nil)
	require.NoError(t, err)
	generated, err = cfg.EnsureTokenSecret()
	require.NoError(t, err)
	require.False(t, generated)
	require.Equal(t, "s3cret", cfg.Token.Secret)
}
