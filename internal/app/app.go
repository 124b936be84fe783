package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"jackdisk/internal/config"
	"jackdisk/internal/database"
	"jackdisk/internal/domain/admin"
	"jackdisk/internal/domain/credential"
	"jackdisk/internal/domain/ingest"
	"jackdisk/internal/domain/objectstore"
	"jackdisk/internal/domain/quota"
	"jackdisk/internal/domain/session"
	"jackdisk/internal/middleware"
	"jackdisk/internal/pkg/filename"
	"jackdisk/internal/pkg/jwt"
	"jackdisk/internal/pkg/response"
)

// objectRoute is where this server accepts presigned writes in filesystem mode.
const objectRoute = "/api/v1/objects"

// App holds the wired services shared by the API server and the reaper job.
type App struct {
	Config   config.Config
	DB       *gorm.DB
	Store    objectstore.Store
	Gate     *quota.Gate
	Issuer   *credential.Issuer
	Sessions *session.Manager
	Hub      *session.Hub
	Ingest   *ingest.Service
	Reaper   *ingest.Reaper
	Tokens   *jwt.Service
	Admin    *admin.Service

	verifier ingest.Verifier
}

func New(ctx context.Context, cfg config.Config, dbOpts ...database.Option) (*App, error) {
	db, err := database.Connect(cfg.DatabaseURL, dbOpts...)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, session.Models()...); err != nil {
		return nil, err
	}

	store, issuer, verifier, err := newStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	gate := quota.NewGate(store, cfg.CapacityBytes)
	keys := filename.NewSanitizer(cfg.BlockedExtensions)
	hub := session.NewHub()

	sessions := session.NewManager(session.NewRepository(db), store, gate, keys, session.Options{
		MaxFileSize:  cfg.MaxFileSize,
		MaxChunkSize: cfg.MaxChunkSize,
		SessionTTL:   cfg.SessionTTL,
	})
	sessions.SetNotifier(hub)

	svc := ingest.NewService(store, gate, issuer, sessions, keys, ingest.Options{
		MaxFileSize:     cfg.MaxFileSize,
		ChunkThreshold:  cfg.ChunkThreshold,
		ChunkSize:       cfg.ChunkSize,
		RetentionWindow: cfg.RetentionWindow,
	})

	tokens := jwt.New(cfg.JWTSecret, cfg.AdminTokenTTL)
	adminSvc, err := admin.NewService(cfg.AdminPassword, tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to hash admin password: %w", err)
	}

	return &App{
		Config:   cfg,
		DB:       db,
		Store:    store,
		Gate:     gate,
		Issuer:   issuer,
		Sessions: sessions,
		Hub:      hub,
		Ingest:   svc,
		Reaper:   ingest.NewReaper(sessions, svc),
		Tokens:   tokens,
		Admin:    adminSvc,
		verifier: verifier,
	}, nil
}

func newStorage(ctx context.Context, cfg config.Config) (objectstore.Store, *credential.Issuer, ingest.Verifier, error) {
	switch cfg.StorageBackend {
	case config.BackendS3:
		client, err := objectstore.NewS3Client(ctx, objectstore.S3Options{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		endpoint := cfg.S3.Endpoint
		prefix := "/" + cfg.S3.Bucket
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.S3.Bucket, cfg.S3.Region)
			prefix = ""
		}
		issuer := credential.NewIssuer(credential.Config{
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Region:          cfg.S3.Region,
			Service:         "s3",
			Endpoint:        endpoint,
			PathPrefix:      prefix,
		})
		log.Printf("Storage backend: s3 bucket=%s endpoint=%s", cfg.S3.Bucket, endpoint)
		return objectstore.NewS3Store(client, cfg.S3.Bucket), issuer, nil, nil
	default:
		store, err := objectstore.NewFilesystemStore(cfg.StorageDir)
		if err != nil {
			return nil, nil, nil, err
		}
		// Presigned writes come back to this server, so the signing secret
		// only needs to be stable for the process configuration.
		issuer := credential.NewIssuer(credential.Config{
			AccessKeyID:     "jackdisk",
			SecretAccessKey: deriveSecret(cfg.JWTSecret, "sigv4"),
			Region:          "local",
			Service:         "s3",
			Endpoint:        cfg.PublicBaseURL,
			PathPrefix:      objectRoute,
		})
		log.Printf("Storage backend: fs dir=%s", cfg.StorageDir)
		return store, issuer, issuer, nil
	}
}

func deriveSecret(secret, purpose string) string {
	sum := sha256.Sum256([]byte(purpose + ":" + secret))
	return hex.EncodeToString(sum[:])
}

// Router builds the HTTP surface under /api/v1.
func (a *App) Router() *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.ErrorLogger())
	r.Use(middleware.CORS(a.Config.CORSAllowedOrigins))

	requireAdmin := middleware.RequireCapability(a.Tokens, admin.ScopeAdmin)

	v1 := r.Group("/api/v1")
	ingest.RegisterRoutes(v1, ingest.NewHandler(a.Ingest, a.Reaper, a.verifier, a.Config.Limits(), a.Config.StorageBackend), requireAdmin)
	session.RegisterRoutes(v1, session.NewHandler(a.Sessions, a.Hub, a.Config.ChunkSize, a.Config.MaxChunkSize))
	admin.RegisterRoutes(v1, admin.NewHandler(a.Admin), requireAdmin)

	r.NoRoute(func(c *gin.Context) {
		response.Error(c, http.StatusNotFound, "NOT_FOUND", "Route not found")
	})
	return r
}

func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
