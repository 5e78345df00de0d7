package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"BioScholar-Vault/internal/auth"
	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/internal/ledger"
	"BioScholar-Vault/internal/observability/metrics"
	"BioScholar-Vault/internal/payout"
	"BioScholar-Vault/internal/web3"
	"BioScholar-Vault/pkg/logger"
)

// PayoutService 是 API 依赖的放款服务能力。
type PayoutService interface {
	Submit(ctx context.Context, req payout.Request) (*payout.Payout, error)
	Get(ctx context.Context, id string) (*payout.Payout, error)
	List(ctx context.Context, opts ...payout.ListOption) ([]*payout.Payout, error)
	Stats(ctx context.Context, opts ...payout.ListOption) (payout.Stats, error)
	WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*payout.Payout, error)
}

// ChainReporter 汇总链上元数据，仅 evm 账本提供。
type ChainReporter interface {
	Snapshots(ctx context.Context) ([]web3.ChainSnapshot, error)
}

// RateLimit 描述按客户端 IP 的令牌桶参数，RequestsPerSecond 为 0 时关闭限流。
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Options 聚合构造 Server 所需的依赖。
type Options struct {
	Address  string
	Payouts  PayoutService
	Balances ledger.BalanceReader
	Chains   ChainReporter
	Auth     *auth.Service
	Metrics  *metrics.Registry
	// ChainTag 与签名消息中的 chain 字段比对。
	ChainTag string
	// DefaultVault 在请求未指定 vault 时使用。
	DefaultVault common.Address
	RateLimit    RateLimit
	// WaitTimeout 限制 ?wait=true 的最长等待时间。
	WaitTimeout  time.Duration
	WaitInterval time.Duration
}

// Server 负责暴露 REST 接口，供研究者与运维提交和查询放款。
type Server struct {
	opts     Options
	validate *validator.Validate
	router   chi.Router
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options) *Server {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30 * time.Second
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = 200 * time.Millisecond
	}
	s := &Server{opts: opts, validate: validator.New()}
	s.router = s.routes()
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	if s.opts.RateLimit.RequestsPerSecond > 0 {
		r.Use(newRateLimiter(s.opts.RateLimit.RequestsPerSecond, s.opts.RateLimit.Burst).Middleware)
	}

	r.Get("/api/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}
	r.Post("/api/v1/auth/token", s.handleIssueToken)

	r.Group(func(r chi.Router) {
		r.Use(s.opts.Auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodPost: {auth.PermReleasesWrite},
				"*":             {auth.PermReleasesRead},
			},
			AuditEvent: "releases",
		}))
		r.Post("/api/v1/releases", s.handleSubmitRelease)
		r.Get("/api/v1/releases", s.handleListReleases)
		r.Get("/api/v1/releases/stats", s.handleReleaseStats)
		r.Get("/api/v1/releases/{id}", s.handleGetRelease)
		r.Get("/api/v1/vault/balance", s.handleVaultBalance)
		r.Get("/api/v1/chains", s.handleChains)
	})
	return r
}

// observe 记录每个请求的指标，handler 标签取路由模板以控制基数。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.opts.Metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("API 服务启动", slog.String("addr", s.opts.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	if s.opts.Chains == nil {
		writeJSON(w, http.StatusOK, map[string]any{"chains": []web3.ChainSnapshot{}})
		return
	}
	snapshots, err := s.opts.Chains.Snapshots(r.Context())
	if err != nil {
		logger.L().Warn("获取链信息失败", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, string(xerrors.CodeOf(err)), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chains": snapshots})
}
