// Package listenerhttp 暴露按钮回调 webhook 以及运维用的只读接口。
package listenerhttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"dcagate/internal/confirm"
	"dcagate/internal/ingest"
	"dcagate/internal/logger"

	"github.com/gin-gonic/gin"
)

// CallbackHandler 处理一次按钮回调（由 ingest.Handler 实现）。
type CallbackHandler interface {
	Handle(ctx context.Context, ev ingest.Event) (ingest.Result, error)
}

// RecordLister 读取当前的确认记录集（由 store.Store 实现）。
type RecordLister interface {
	List(ctx context.Context) (map[string]confirm.Record, error)
}

// Server 是 listener/coordinator 共用的 HTTP 服务，按依赖是否提供挂载路由。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述 HTTP 服务依赖；为 nil 的依赖对应的路由不注册。
type ServerConfig struct {
	Addr     string
	Callback CallbackHandler
	Activity *ingest.Activity
	Records  RecordLister
	Metrics  http.Handler
	Stream   http.Handler
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
	}
	router.GET("/health", health)
	router.GET("/healthz", health)

	r := &routes{callback: cfg.Callback, activity: cfg.Activity, records: cfg.Records}
	r.register(router)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	if cfg.Stream != nil {
		router.GET("/ws", gin.WrapH(cfg.Stream))
	}
	return &Server{addr: cfg.Addr, router: router}
}

// Handler 返回底层路由，便于测试。
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLogger 记录每个请求的状态码与耗时。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		client := c.ClientIP()
		c.Next()
		fullPath := path
		if query != "" {
			fullPath = path + "?" + query
		}
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, fullPath, c.Writer.Status(), client, time.Since(start))
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[http] listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
