package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/sessionkit/sessionkit/handlers"
	"github.com/sessionkit/sessionkit/internal/api"
	"github.com/sessionkit/sessionkit/internal/auth"
	"github.com/sessionkit/sessionkit/internal/config"
	"github.com/sessionkit/sessionkit/internal/crosstab"
	"github.com/sessionkit/sessionkit/internal/device"
	"github.com/sessionkit/sessionkit/internal/offline"
	"github.com/sessionkit/sessionkit/internal/oidc"
	"github.com/sessionkit/sessionkit/internal/registry"
	"github.com/sessionkit/sessionkit/internal/security"
	"github.com/sessionkit/sessionkit/internal/session"
	"github.com/sessionkit/sessionkit/internal/storage"
	"github.com/sessionkit/sessionkit/internal/tokens"
	"github.com/sessionkit/sessionkit/pkg/events"
	"github.com/sessionkit/sessionkit/pkg/logger"
	"github.com/sessionkit/sessionkit/pkg/metrics"
	"github.com/sessionkit/sessionkit/pkg/middleware"
)

var startTime = time.Now()

func main() {
	// logging level controlled with LOG_LEVEL env: debug|info|warn|error|fatal
	logger.Init(os.Getenv("LOG_LEVEL"))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	logger.Infof("config loaded: backend=%v oidc=%v mongo=%v redis=%v",
		cfg.API.BaseURL != "", cfg.API.Issuer != "", cfg.MongoDB.URI != "", cfg.Redis.Host != "")

	ctx := context.Background()

	// secure store: file-backed when a directory is configured, in-memory otherwise
	var store storage.Store
	if cfg.Storage.Dir != "" {
		fs, err := storage.NewFileStore(cfg.Storage.Dir, cfg.Storage.Key)
		if err != nil {
			logger.Fatalf("failed to open secure store at %s: %v", cfg.Storage.Dir, err)
		}
		store = fs
		logger.Infof("using file-backed secure store: %s", cfg.Storage.Dir)
	} else {
		ms, err := storage.NewMemoryStore(cfg.Storage.Key)
		if err != nil {
			logger.Fatalf("failed to create in-memory store: %v", err)
		}
		store = ms
		logger.Warnf("no STORAGE_DIR configured, session state will not survive restarts")
	}

	// Connect to Redis early so peer sync, the registry, and the rate limiter
	// can use it when configured
	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warnf("failed to connect to Redis (%s:%s): %v", cfg.Redis.Host, cfg.Redis.Port, err)
			rdb = nil
		} else {
			logger.Infof("connected to Redis: %s:%s", cfg.Redis.Host, cfg.Redis.Port)
		}
	}

	// session registry: Redis preferred, Mongo next, in-memory fallback
	var repo registry.Repository
	var mongoClient *mongo.Client
	if rdb != nil {
		repo = registry.NewRedisRepository(rdb, "registry:")
		logger.Infof("using Redis session registry")
	} else if cfg.MongoDB.URI != "" {
		// retry with backoff to tolerate startup races
		const maxAttempts = 5
		backoff := time.Second
		var errConn error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			mongoClient, errConn = registry.ConnectMongo(ctx, cfg.MongoDB.URI, cfg.MongoDB.Timeout)
			if errConn == nil {
				break
			}
			logger.Warnf("attempt %d/%d: failed to connect to MongoDB: %v", attempt, maxAttempts, errConn)
			if attempt < maxAttempts {
				time.Sleep(backoff)
				backoff *= 2
			}
		}
		if errConn != nil {
			logger.Warnf("could not connect to MongoDB after %d attempts: %v", maxAttempts, errConn)
		} else {
			defer func() { _ = mongoClient.Disconnect(ctx) }()
			col := mongoClient.Database(cfg.MongoDB.Database).Collection("sessions")
			repo = registry.NewMongoRepository(col)
			logger.Infof("using MongoDB session registry")
		}
	}
	if repo == nil {
		repo = registry.NewMemoryRepository()
		logger.Infof("using in-memory session registry")
	}

	// core components
	bus := events.NewBus()
	client := api.NewClient(cfg.API.BaseURL, cfg.API.Timeout)
	devices := device.NewProvider(store)
	blacklist := tokens.NewBlacklist(rdb, client)
	tok := tokens.NewManager(cfg.Tokens, store, client, devices, bus, blacklist)
	sec := security.NewValidator(cfg.Security, store, bus, client)

	var peerBus crosstab.Bus
	if rdb != nil {
		peerBus = crosstab.NewRedisBus(rdb, "")
	} else {
		peerBus = crosstab.NewMemoryBus()
	}
	sync := crosstab.NewSynchronizer(peerBus, uuid.NewString())

	machine := session.NewMachine(cfg.Session, cfg.Tokens.ValidationCacheTTL,
		store, tok, sec, sync, repo, client, devices, bus)
	off := offline.NewCoordinator(cfg.Offline, client, tok, machine, bus)
	trust := registry.NewTrustList(store)

	// OIDC verifier for ID-token checks on login
	var verifier oidc.TokenVerifier
	if cfg.API.Issuer != "" && cfg.API.ClientID != "" {
		ver, err := oidc.NewVerifier(ctx, strings.TrimRight(cfg.API.Issuer, "/"), cfg.API.ClientID)
		if err != nil {
			logger.Warnf("failed to initialize OIDC verifier: %v", err)
		} else {
			verifier = ver
		}
	}
	if verifier == nil {
		if strings.EqualFold(strings.TrimSpace(os.Getenv("ALLOW_INSECURE_TOKEN")), "true") {
			logger.Warn("enabling insecure token verifier (integration mode)")
			verifier = oidc.NewInsecureVerifier()
		}
	}

	orch := auth.NewOrchestrator(cfg, client, tok, machine, sec, devices, trust, sync, off, verifier, bus)
	if err := orch.Start(ctx); err != nil {
		logger.Fatalf("failed to start lifecycle orchestrator: %v", err)
	}
	defer orch.Close()

	// resume a session persisted by a previous run, best effort
	if sess, err := orch.Resume(ctx); err != nil {
		logger.Warnf("could not resume persisted session: %v", err)
	} else if sess != nil {
		logger.Infof("resumed session %s (user %s)", sess.ID, sess.UserID)
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	// permissive CORS for the local control surface
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}
		c.Next()
	})

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.UseRedis && rdb != nil {
			win := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
			r.Use(middleware.RedisRateLimit(rdb, cfg.RateLimit.RPS, cfg.RateLimit.Burst, win))
		} else {
			r.Use(middleware.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "healthy")
	})

	// ready only when the auth backend is reachable and configured pieces came up
	r.GET("/ready", func(c *gin.Context) {
		ready := true
		deps := map[string]bool{}

		deps["backend"] = cfg.API.BaseURL != "" && off.Online()
		if !deps["backend"] {
			ready = false
		}
		if cfg.Redis.Host != "" {
			deps["redis"] = rdb != nil
			if !deps["redis"] {
				ready = false
			}
		} else {
			deps["redis"] = true
		}
		if cfg.API.Issuer != "" {
			deps["oidc"] = verifier != nil
			if !deps["oidc"] {
				ready = false
			}
		} else {
			deps["oidc"] = true
		}

		status := http.StatusOK
		state := "ready"
		if !ready {
			status = http.StatusServiceUnavailable
			state = "not_ready"
		}
		c.JSON(status, gin.H{"status": state, "deps": deps, "uptime": time.Since(startTime).String()})
	})

	agent := handlers.NewAgentHandler(orch, machine, sec, off)
	v1 := r.Group("/api/v1")
	agent.Register(v1)

	// token introspection for co-located tools; requires a verifier
	if verifier != nil {
		v1.GET("/whoami", middleware.Auth(verifierAdapter{verifier}, tok), func(c *gin.Context) {
			claims, _ := c.Get("claims")
			c.JSON(http.StatusOK, gin.H{"claims": claims})
		})
	}

	metrics.RegisterCollectors(prometheus.DefaultRegisterer)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.Infof("starting session agent on %s", addr)
	if err := r.Run(addr); err != nil {
		logger.Fatalf("server failed: %v", err)
	}
}

// verifierAdapter bridges the oidc verifier onto the middleware interface.
type verifierAdapter struct {
	ver oidc.TokenVerifier
}

func (a verifierAdapter) Verify(ctx context.Context, raw string) (middleware.Token, error) {
	t, err := a.ver.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	return t, nil
}
