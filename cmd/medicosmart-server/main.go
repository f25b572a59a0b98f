package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medicosmart/medicosmart/internal/config"
	"github.com/medicosmart/medicosmart/internal/domain/patient"
	"github.com/medicosmart/medicosmart/internal/domain/prescription"
	"github.com/medicosmart/medicosmart/internal/domain/user"
	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/auth"
	"github.com/medicosmart/medicosmart/internal/platform/blobstore"
	"github.com/medicosmart/medicosmart/internal/platform/db"
	"github.com/medicosmart/medicosmart/internal/platform/hipaa"
	"github.com/medicosmart/medicosmart/internal/platform/metrics"
	"github.com/medicosmart/medicosmart/internal/platform/middleware"
	"github.com/medicosmart/medicosmart/internal/platform/notification"
	"github.com/medicosmart/medicosmart/internal/platform/pdf"
	"github.com/medicosmart/medicosmart/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medicosmart-server",
		Short: "MedicoSmart prescription management API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(bootstrapCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func bootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the initial administrator account",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				return errors.New("--password is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			m := metrics.New()
			audit := hipaa.NewAuditTrail(hipaa.NewAuditStorePG(pool), logger, m.AuditFailures)
			tokens := auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTExpiresIn)
			users := user.NewService(user.NewRepo(pool), db.NewTxRunner(pool), tokens, audit, logger)

			created, err := users.Bootstrap(ctx, user.RegisterInput{
				Username: username,
				Email:    email,
				Password: password,
				FullName: "Administrator",
			})
			if err != nil {
				return fmt.Errorf("bootstrap failed: %w", err)
			}
			if created {
				fmt.Printf("Created administrator %q.\n", username)
			} else {
				fmt.Printf("User %q already exists, nothing to do.\n", username)
			}
			return nil
		},
	}
	cmd.Flags().String("username", "admin", "Administrator username")
	cmd.Flags().String("email", "admin@medicosmart.app", "Administrator email")
	cmd.Flags().String("password", "", "Administrator password")
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openPool is used by commands that need the database but none of the
// runtime secrets.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	codec, err := hipaa.NewCodec([]byte(cfg.EncryptionKey), []byte(cfg.EncryptionIV))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize field encryption")
	}

	m := metrics.New()
	tx := db.NewTxRunner(pool)
	audit := hipaa.NewAuditTrail(hipaa.NewAuditStorePG(pool), logger, m.AuditFailures)
	tokens := auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTExpiresIn)

	// Documents and delivery
	store, err := blobstore.NewFileStore(cfg.PDFStoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open document storage")
	}
	documents := pdf.NewGenerator(store, cfg.PDFBaseURL, cfg.PDFTimeout, logger, m.PDFGenerationDuration)

	var email notification.EmailSender = notification.NewLogSender(logger)
	if cfg.SMTPConfigured() {
		email = notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.FromEmail,
			FromName: cfg.FromName,
		})
	} else {
		logger.Warn().Msg("SMTP not configured, email delivery runs in demo mode")
	}
	var sms notification.SMSSender = notification.NewLogSender(logger)
	if cfg.TwilioConfigured() {
		sms = notification.NewTwilioSender(notification.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioPhoneNumber,
		})
	} else {
		logger.Warn().Msg("Twilio not configured, SMS delivery runs in demo mode")
	}
	dispatcher := notification.NewDispatcher(email, sms, cfg.DispatchTimeout, logger, m.Communications)

	// Services
	users := user.NewService(user.NewRepo(pool), tx, tokens, audit, logger)
	patients := patient.NewService(patient.NewRepo(pool), tx, codec, audit, logger)
	prescriptions := prescription.NewService(prescription.Deps{
		Repo:           prescription.NewRepo(pool),
		Communications: prescription.NewCommunicationRepo(pool),
		Tx:             tx,
		Codec:          codec,
		Audit:          audit,
		Patients:       patients,
		Doctors:        users,
		Documents:      documents,
		Dispatcher:     dispatcher,
		Transitions:    m.PrescriptionTransitions,
		Logger:         logger,
	})
	users.SetClinicalCounters(patients, prescriptions)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderXRequestID},
		ExposeHeaders:    []string{echo.HeaderContentDisposition, "X-Content-SHA256"},
		AllowCredentials: true,
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.Metrics(m))
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(middleware.RequestInfo())
	e.Use(auth.Authenticate(auth.AuthConfig{
		Tokens:  tokens,
		Users:   users,
		Skipper: auth.AuthSkipper,
	}))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	// API routes
	apiV1 := e.Group("/api/v1")
	credentials := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.AuthRateLimitRPS,
		BurstSize:         cfg.AuthRateLimitBurst,
	})
	user.NewHandler(users).RegisterRoutes(apiV1, credentials)

	patient.NewHandler(patients).RegisterRoutes(apiV1)
	prescription.NewHandler(prescriptions).RegisterRoutes(apiV1)

	// Start server
	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting MedicoSmart server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
