package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"kyri56xcaesar/accountd/internal/homedir"
	"kyri56xcaesar/accountd/internal/logger"
	ut "kyri56xcaesar/accountd/internal/utils"
	"kyri56xcaesar/accountd/pkg/accountdir"
)

/*
*
* Constants */
const (
	apiPathPrefix string = "v1"
)

/*
*
* Structs */
type HTTPService struct {
	Engine *gin.Engine
	Config *ut.EnvConfig
	Dir    *accountdir.Directory
	Homes  *homedir.Provisioner // nil unless HOME_PROVISION
	Log    *logger.MultiLogger
}

// NewService builds the engine and registers every route. At least one of
// the service secret and the jwt secret must be configured.
func NewService(cfg *ut.EnvConfig, dir *accountdir.Directory, homes *homedir.Provisioner, log *logger.MultiLogger) (*HTTPService, error) {
	if len(cfg.SERVICE_SECRET_KEY) == 0 && len(cfg.JWT_SECRET_KEY) == 0 {
		return nil, errors.New("neither SERVICE_SECRET_KEY nor JWT_SECRET_KEY is set, refusing to serve unauthenticated")
	}
	setGinMode(cfg.API_GIN_MODE)

	srv := &HTTPService{
		Engine: gin.New(),
		Config: cfg,
		Dir:    dir,
		Homes:  homes,
		Log:    log,
	}
	srv.Engine.Use(gin.LoggerWithWriter(log.Writer()), gin.Recovery())
	srv.Engine.Use(cors.New(srv.corsConfig()))
	srv.Engine.Use(requestIDMiddleware)
	srv.registerRoutes()
	return srv, nil
}

func setGinMode(mode string) {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
}

func (srv *HTTPService) corsConfig() cors.Config {
	corsconfig := cors.DefaultConfig()
	if slices.Contains(srv.Config.ALLOWED_ORIGINS, "*") || len(srv.Config.ALLOWED_ORIGINS) == 0 {
		corsconfig.AllowAllOrigins = true
	} else {
		corsconfig.AllowOrigins = srv.Config.ALLOWED_ORIGINS
	}
	if len(srv.Config.ALLOWED_METHODS) > 0 {
		corsconfig.AllowMethods = srv.Config.ALLOWED_METHODS
	}
	if len(srv.Config.ALLOWED_HEADERS) > 0 {
		corsconfig.AllowHeaders = srv.Config.ALLOWED_HEADERS
	}
	corsconfig.ExposeHeaders = []string{requestIDHeader, "Retry-After"}
	return corsconfig
}

func (srv *HTTPService) registerRoutes() {
	apiV1 := srv.Engine.Group("/" + apiPathPrefix)
	apiV1.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "alive",
		})
	})

	verified := apiV1.Group("/", srv.AuthMiddleware(AdminGroup), lockDeadline(srv.Config.LOCK_TIMEOUT))
	{
		verified.GET("/users", srv.handleListUsers)
		verified.POST("/users", srv.handleCreateUser)
		verified.GET("/users/:name", srv.handleGetUser)
		verified.DELETE("/users/:name", srv.handleDeleteUser)
		verified.PUT("/users/:name/password", srv.handleSetPassword)
		verified.POST("/users/:name/lock", srv.handleLock)
		verified.POST("/users/:name/unlock", srv.handleUnlock)
		verified.POST("/users/:name/groups", srv.handleJoinGroups)
		verified.DELETE("/users/:name/groups", srv.handleLeaveGroups)

		verified.GET("/groups", srv.handleListGroups)
		verified.POST("/groups", srv.handleCreateGroup)
		verified.DELETE("/groups/:name", srv.handleDeleteGroup)

		verified.GET("/peers", srv.handlePeers)

		verified.POST("/admin/reconcile", srv.handleReconcile)
	}

	srv.Engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// ServeHTTP listens until ctx is done, then shuts down gracefully.
func (srv *HTTPService) ServeHTTP(ctx context.Context) error {
	server := &http.Server{
		Addr:              srv.Config.Addr(srv.Config.API_PORT),
		Handler:           srv.Engine,
		ReadHeaderTimeout: time.Second * 5,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.Config.API_USE_TLS {
			srv.Log.Infof("serving https on %s", server.Addr)
			err = server.ListenAndServeTLS(srv.Config.API_CERT_FILE, srv.Config.API_KEY_FILE)
		} else {
			srv.Log.Infof("serving http on %s", server.Addr)
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.Log.Infof("shutting down gracefully, press Ctrl+C again to force")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	srv.Log.Infof("server exiting")
	return nil
}
