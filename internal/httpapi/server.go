package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yuqie6/activityrank/internal/bootstrap"
	"github.com/yuqie6/activityrank/internal/eventbus"
)

type LocalServer struct {
	rt      *bootstrap.AgentRuntime
	ln      net.Listener
	srv     *http.Server
	baseURL string
}

type Options struct {
	ListenAddr string // e.g. "127.0.0.1:8088"
}

func Start(ctx context.Context, rt *bootstrap.AgentRuntime, opts Options) (*LocalServer, error) {
	if rt == nil {
		return nil, fmt.Errorf("rt 不能为空")
	}
	if strings.TrimSpace(opts.ListenAddr) == "" {
		opts.ListenAddr = rt.Cfg.HTTP.ListenAddr
	}

	ln, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           NewRouter(rt),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ls := &LocalServer{
		rt:      rt,
		ln:      ln,
		srv:     srv,
		baseURL: "http://" + ln.Addr().String(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ls.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server 异常退出", "error", err)
		}
	}()

	slog.Info("HTTP 已启动", "base_url", ls.baseURL)
	return ls, nil
}

func (s *LocalServer) BaseURL() string {
	if s == nil {
		return ""
	}
	return s.baseURL
}

func (s *LocalServer) Shutdown(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// NewRouter 注册全部路由
func NewRouter(rt *bootstrap.AgentRuntime) *gin.Engine {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	a := newAPI(rt)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), rt.Metrics.GinMiddleware())

	r.GET("/health", a.handleHealth)
	r.GET("/metrics", gin.WrapH(rt.Metrics.Handler()))

	api := r.Group("/api")
	api.GET("/leaderboard/:window", a.handleTop)
	api.GET("/users/:id/rank", a.handleRank)
	api.GET("/users/:id/stats", a.handleStats)
	api.POST("/events", a.handleSubmit)
	api.GET("/stream", a.handleSSE)
	return r
}

// requestLogger 以 slog 输出访问日志
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http 请求",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"cost_ms", time.Since(start).Milliseconds(),
		)
	}
}

// handleSSE 推送积分变动等事件；?types=a,b 只订阅指定类型
func (a *apiServer) handleSSE(c *gin.Context) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var types []string
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}

	ctx := c.Request.Context()
	sub := a.rt.Hub.Subscribe(ctx, 32, types...)

	// initial event
	_, _ = io.WriteString(w, "event: ready\n")
	_, _ = io.WriteString(w, "data: {}\n\n")
	w.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, "event: ping\n")
			_, _ = io.WriteString(w, "data: {}\n\n")
			w.Flush()
		case evt, ok := <-sub:
			if !ok {
				return
			}
			writeSSE(w, evt)
			w.Flush()
		}
	}
}

func writeSSE(w io.Writer, evt eventbus.Event) {
	b, _ := json.Marshal(evt)
	_, _ = io.WriteString(w, "event: "+sanitizeSSEName(evt.Type)+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = w.Write(b)
	_, _ = io.WriteString(w, "\n\n")
}

func sanitizeSSEName(name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return "message"
	}
	n = strings.ReplaceAll(n, "\n", "")
	n = strings.ReplaceAll(n, "\r", "")
	return n
}
