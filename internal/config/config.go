package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	handlerConfig "github.com/iurnickita/admarket/internal/handler/config"
	loggerConfig "github.com/iurnickita/admarket/internal/logger/config"
	otpConfig "github.com/iurnickita/admarket/internal/otp/config"
	serviceConfig "github.com/iurnickita/admarket/internal/service/config"
	storeConfig "github.com/iurnickita/admarket/internal/store/config"
	tokenConfig "github.com/iurnickita/admarket/internal/token/config"
)

type Config struct {
	Handler handlerConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
	Token   tokenConfig.Config
	OTP     otpConfig.Config
}

var ErrTokenSecretRequired = errors.New("TOKEN_SECRET is required when DATABASE_URI is set")

// Флаги командной строки и соответствующие им ключи
var flagKeys = map[string]string{
	"run-address":    "RUN_ADDRESS",
	"database-uri":   "DATABASE_URI",
	"log-level":      "LOG_LEVEL",
	"notify-address": "NOTIFY_ADDRESS",
	"redis-address":  "REDIS_ADDR",
}

// GetConfig собирает настройки. Приоритет: флаги, переменные окружения, файл, значения по умолчанию.
func GetConfig(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()

	v.SetDefault("RUN_ADDRESS", "localhost:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", 10*time.Second)
	v.SetDefault("DATABASE_URI", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("NOTIFY_ADDRESS", "")
	v.SetDefault("TOKEN_SECRET", "")
	v.SetDefault("TOKEN_TTL", 24*time.Hour)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("OTP_TTL", 10*time.Minute)
	v.SetDefault("OTP_MAX_ATTEMPTS", 5)

	v.SetConfigType("yaml")
	configFile := ""
	if flags != nil {
		configFile, _ = flags.GetString("config")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return Config{}, err
				}
			}
		}
	}

	cfg := Config{
		Handler: handlerConfig.Config{
			ServerAddr:      v.GetString("RUN_ADDRESS"),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT")},
		Service: serviceConfig.Config{
			NotifyAddr: v.GetString("NOTIFY_ADDRESS")},
		Store: storeConfig.Config{
			DBDsn: v.GetString("DATABASE_URI")},
		Logger: loggerConfig.Config{
			LogLevel: v.GetString("LOG_LEVEL")},
		Token: tokenConfig.Config{
			Secret: v.GetString("TOKEN_SECRET"),
			TTL:    v.GetDuration("TOKEN_TTL")},
		OTP: otpConfig.Config{
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
			TTL:           v.GetDuration("OTP_TTL"),
			MaxAttempts:   v.GetInt("OTP_MAX_ATTEMPTS")},
	}
	return cfg, nil
}

// EnsureTokenSecret проверяет ключ подписи токенов перед запуском сервера.
// С базой данных ключ обязателен. Без нее генерируется случайный ключ,
// токены которого не переживают перезапуск процесса; generated = true.
func (cfg *Config) EnsureTokenSecret() (generated bool, err error) {
	if cfg.Token.Secret != "" {
		return false, nil
	}
	if cfg.Store.DBDsn != "" {
		return false, ErrTokenSecretRequired
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return false, err
	}
	cfg.Token.Secret = hex.EncodeToString(secret)
	return true, nil
}
