package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iurnickita/admarket/internal/auth"
	"github.com/iurnickita/admarket/internal/config"
	"github.com/iurnickita/admarket/internal/handler"
	"github.com/iurnickita/admarket/internal/logger"
	"github.com/iurnickita/admarket/internal/metrics"
	"github.com/iurnickita/admarket/internal/model"
	"github.com/iurnickita/admarket/internal/otp"
	otpConfig "github.com/iurnickita/admarket/internal/otp/config"
	"github.com/iurnickita/admarket/internal/reconcile"
	"github.com/iurnickita/admarket/internal/service"
	"github.com/iurnickita/admarket/internal/service/notifyclient"
	"github.com/iurnickita/admarket/internal/store"
	"github.com/iurnickita/admarket/internal/store/memstore"
	"github.com/iurnickita/admarket/internal/token"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "admarket",
		Short:         "Advertising marketplace backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to config file (yaml)")
	flags.StringP("run-address", "a", "", "HTTP server address")
	flags.StringP("database-uri", "d", "", "PostgreSQL connection string")
	flags.StringP("log-level", "l", "", "log level")
	flags.String("notify-address", "", "notification service base URL")
	flags.String("redis-address", "", "Redis address for registration codes")

	rootCmd.AddCommand(newServeCmd(), newReconcileCmd(), newUserAddCmd())
	return rootCmd
}

// env - общие зависимости команд
type env struct {
	cfg    config.Config
	zaplog *zap.Logger
	store  store.Store
}

func newEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := config.GetConfig(cmd.Flags())
	if err != nil {
		return nil, err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return nil, err
	}

	var st store.Store
	if cfg.Store.DBDsn == "" {
		// без базы данные живут только в памяти процесса
		zaplog.Warn("DATABASE_URI is not set, using in-memory store")
		st = memstore.New()
	} else {
		st, err = store.NewStore(cfg.Store)
		if err != nil {
			return nil, err
		}
	}

	return &env{cfg: cfg, zaplog: zaplog, store: st}, nil
}

func (e *env) close() {
	e.store.Close()
	e.zaplog.Sync()
}

func (e *env) notifyClient() notifyclient.NotifyClient {
	if e.cfg.Service.NotifyAddr == "" {
		return notifyclient.NewNopClient(e.zaplog)
	}
	return notifyclient.NewNotifyClient(e.cfg.Service.NotifyAddr)
}

func newOTPCache(ctx context.Context, cfg otpConfig.Config, zaplog *zap.Logger) (otp.Cache, func() error, error) {
	if cfg.RedisAddr == "" {
		zaplog.Warn("REDIS_ADDR is not set, registration codes are kept in memory")
		return otp.NewMemoryCache(), func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, err
	}
	return otp.NewRedisCache(client), client.Close, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			generated, err := e.cfg.EnsureTokenSecret()
			if err != nil {
				return err
			}
			if generated {
				e.zaplog.Warn("TOKEN_SECRET is not set, using a random secret; tokens are invalidated on restart")
			}

			cache, closeCache, err := newOTPCache(ctx, e.cfg.OTP, e.zaplog)
			if err != nil {
				return err
			}
			defer closeCache()

			m := metrics.New()
			auth := auth.NewAuth(e.store,
				otp.NewOTP(e.cfg.OTP, cache),
				token.NewToken(e.cfg.Token),
				e.notifyClient(),
				e.zaplog)
			service, err := service.NewService(e.cfg.Service, e.store, m, e.zaplog)
			if err != nil {
				return err
			}

			return handler.Serve(ctx, e.cfg.Handler, auth, service, m, e.zaplog)
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var (
		adID      string
		adminID   string
		adminName string
		noRefund  bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Complete an advertisement and refund incomplete reporters",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			result, err := reconcile.NewReconciler(e.store, e.zaplog).Reconcile(cmd.Context(), reconcile.Request{
				Advertisement: adID,
				AdminID:       adminID,
				AdminName:     adminName,
				ShouldRefund:  !noRefund,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVar(&adID, "ad", "", "advertisement id")
	cmd.Flags().StringVar(&adminID, "admin-id", "", "administrator user code")
	cmd.Flags().StringVar(&adminName, "admin-name", "", "administrator name")
	cmd.Flags().BoolVar(&noRefund, "no-refund", false, "complete without refunding the advertiser")
	cmd.MarkFlagRequired("ad")
	cmd.MarkFlagRequired("admin-id")
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var user model.User

	cmd := &cobra.Command{
		Use:   "useradd",
		Short: "Create a user without verification (administrators)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user.Data.Login == "" || user.Data.Password == "" {
				return errors.New("login and password are required")
			}
			if !model.ValidUserType(user.Data.Role) {
				return fmt.Errorf("unknown role %q", user.Data.Role)
			}

			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			auth := auth.NewAuth(e.store,
				otp.NewOTP(e.cfg.OTP, otp.NewMemoryCache()),
				token.NewToken(e.cfg.Token),
				notifyclient.NewNopClient(e.zaplog),
				e.zaplog)
			code, err := auth.CreateUser(cmd.Context(), user)
			if err != nil {
				return err
			}

			e.zaplog.Info("user created",
				zap.String("login", user.Data.Login),
				zap.String("role", user.Data.Role),
				zap.String("code", code))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), code)
			return err
		},
	}

	cmd.Flags().StringVar(&user.Data.Login, "login", "", "login")
	cmd.Flags().StringVar(&user.Data.Password, "password", "", "password")
	cmd.Flags().StringVar(&user.Data.Name, "name", "", "display name")
	cmd.Flags().StringVar(&user.Data.Role, "role", model.UserTypeAdmin, "user role")
	return cmd
}
