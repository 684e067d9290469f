package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dop251/goja"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/enclavekit/enclave/internal/infrastructure/config"
	"github.com/enclavekit/enclave/internal/infrastructure/logging"
	"github.com/enclavekit/enclave/internal/infrastructure/monitoring"
	"github.com/enclavekit/enclave/internal/loader"
	"github.com/enclavekit/enclave/internal/membrane"
	"github.com/enclavekit/enclave/internal/shims"
)

// Server is the HTTP front of the sandbox service.
type Server struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *monitoring.Metrics
	manager *Manager
	ldr     *loader.Loader
	router  *gin.Engine
	httpSrv *http.Server
}

// New wires the full service: metrics, loader with the fs and http
// builtins, sandbox manager, and the gin router.
func New(cfg *config.Config, log *logging.Logger) (*Server, error) {
	metrics := monitoring.NewMetrics()

	var pol *config.Policy
	if cfg.Loader.PolicyPath != "" {
		p, err := config.LoadPolicy(cfg.Loader.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		p.Apply(cfg)
		pol = p
	}

	lcfg := loader.Config{Root: cfg.Loader.Root}
	if pol != nil {
		lcfg.Allow = pol.AllowPaths
	}
	ldr, err := loader.New(lcfg, log.Component("loader"))
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	if err := registerShims(cfg, pol, ldr); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		log:     log.Component("server"),
		metrics: metrics,
		manager: NewManager(cfg, ldr, metrics, log.Component("manager")),
		ldr:     ldr,
	}
	s.router = s.buildRouter()
	return s, nil
}

func registerShims(cfg *config.Config, pol *config.Policy, ldr *loader.Loader) error {
	if pol == nil || pol.ServesBuiltin("fs") {
		fsShim, err := shims.NewFS(cfg.Loader.Root)
		if err != nil {
			return fmt.Errorf("fs shim: %w", err)
		}
		ldr.Register("fs", loader.Builtin{
			Build:   func(vm *goja.Runtime) (goja.Value, error) { return fsShim.Object(vm) },
			Options: policyOptions(fsShim.Options(), pol),
		})
	}

	if pol == nil || pol.ServesBuiltin("http") {
		httpShim := shims.NewHTTP(shims.HTTPConfig{
			AllowHosts:        cfg.HTTPShim.AllowHosts,
			RequestsPerSecond: cfg.HTTPShim.RequestsPerSecond,
			Burst:             cfg.HTTPShim.Burst,
			Timeout:           time.Duration(cfg.HTTPShim.TimeoutMS) * time.Millisecond,
		})
		ldr.Register("http", loader.Builtin{
			Build:   func(vm *goja.Runtime) (goja.Value, error) { return httpShim.Object(vm) },
			Options: policyOptions(httpShim.Options(), pol),
		})
	}
	return nil
}

// policyOptions overlays manifest allow, deny and freeze lists onto a
// builtin's membrane options.
func policyOptions(opts *membrane.Options, pol *config.Policy) *membrane.Options {
	if pol == nil {
		return opts
	}
	opts.Allow = append(opts.Allow, pol.Allow...)
	opts.Deny = append(opts.Deny, pol.Deny...)
	opts.FreezeMembers = append(opts.FreezeMembers, pol.Freeze...)
	return opts
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(monitoring.Middleware(s.metrics))
	r.Use(CORS(DefaultCORSConfig()))
	if s.cfg.RateLimit.Enabled {
		r.Use(RateLimit(RateLimitConfig{
			RequestsPerSecond: s.cfg.RateLimit.RequestsPerSecond,
			Burst:             s.cfg.RateLimit.Burst,
		}))
	}

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))

	r.POST("/sandboxes", s.handleCreateSandbox)
	r.GET("/sandboxes", s.handleListSandboxes)
	r.POST("/sandboxes/:id/execute", s.handleExecute)
	r.DELETE("/sandboxes/:id", s.handleTerminateSandbox)
	r.GET("/sandboxes/:id/console", s.handleConsoleStream)

	r.GET("/modules", s.handleListModules)
	return r
}

// Router exposes the configured handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Manager exposes the sandbox manager.
func (s *Server) Manager() *Manager { return s.manager }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%s", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.log.Info("server listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and terminates every sandbox.
func (s *Server) Shutdown(ctx context.Context) error {
	s.manager.Shutdown()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
