package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/loykin/craftvisor/internal/supervisor"
)

// Controller is the supervisor surface the control API needs.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendCommand(ctx context.Context, text string) (bool, error)
	Status() supervisor.SessionInfo
}

// Router provides embeddable HTTP handlers for the supervised server.
// Endpoints:
//
//	GET  {basePath}/health
//	GET  {basePath}/status
//	POST {basePath}/start
//	POST {basePath}/stop
//	POST {basePath}/command   body: {"command":"list"} or text/plain
//	GET  {basePath}/metrics   when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	opts     Options
	limiter  *rate.Limiter
	started  time.Time
}

// Options tunes the router.
type Options struct {
	APIToken     string
	CommandRate  float64 // commands per second, 0 disables the limit
	CommandBurst int
	Metrics      http.Handler // served on /metrics when non-nil
	Logger       *slog.Logger
	// RequestTimeout bounds how long a handler waits for the supervisor loop.
	RequestTimeout time.Duration
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/mc" results in /mc/start, /mc/stop, /mc/status.
func NewRouter(ctl Controller, basePath string, opts Options) *Router {
	r := &Router{ctl: ctl, basePath: sanitizeBase(basePath), opts: opts, started: time.Now()}
	if opts.CommandRate > 0 {
		burst := opts.CommandBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.CommandRate), burst)
	}
	if r.opts.Logger == nil {
		r.opts.Logger = slog.Default()
	}
	if r.opts.RequestTimeout <= 0 {
		r.opts.RequestTimeout = 10 * time.Second
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	if r.opts.Metrics != nil {
		group.GET("/metrics", gin.WrapH(r.opts.Metrics))
	}

	api := group.Group("", requireToken(r.opts.APIToken))
	api.GET("/status", r.handleStatus)
	api.POST("/start", r.handleStart)
	api.POST("/stop", r.handleStop)
	api.POST("/command", rateLimit(r.limiter), r.handleCommand)
	return g
}

// --- Handlers ---

type errorResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type okResp struct {
	OK    bool             `json:"ok"`
	State supervisor.State `json:"state"`
}

type commandResp struct {
	OK        bool `json:"ok"`
	Delivered bool `json:"delivered"`
}

type healthResp struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type commandReq struct {
	Command string `json:"command"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{Status: "ok", UptimeSeconds: time.Since(r.started).Seconds()})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

func (r *Router) handleStart(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.opts.RequestTimeout)
	defer cancel()
	if err := r.ctl.Start(ctx); err != nil {
		r.fail(c, "start", err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, State: r.ctl.Status().State})
}

func (r *Router) handleStop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.opts.RequestTimeout)
	defer cancel()
	if err := r.ctl.Stop(ctx); err != nil {
		r.fail(c, "stop", err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, State: r.ctl.Status().State})
}

func (r *Router) handleCommand(c *gin.Context) {
	text, err := readCommand(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.opts.RequestTimeout)
	defer cancel()
	delivered, err := r.ctl.SendCommand(ctx, text)
	if err != nil {
		r.fail(c, "command", err)
		return
	}
	writeJSON(c, http.StatusOK, commandResp{OK: true, Delivered: delivered})
}

func readCommand(c *gin.Context) (string, error) {
	var text string
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req commandReq
		if err := c.ShouldBindJSON(&req); err != nil {
			return "", errors.New("invalid JSON: " + err.Error())
		}
		text = req.Command
	} else {
		b, err := io.ReadAll(io.LimitReader(c.Request.Body, 4096))
		if err != nil {
			return "", err
		}
		text = strings.TrimRight(string(b), "\r\n")
	}
	if !isPrintableCommand(text) {
		return "", errors.New("command must be a single non-empty line")
	}
	return text, nil
}

func (r *Router) fail(c *gin.Context, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.opts.Logger.Error("control request failed", "op", op, "error", err)
	} else {
		r.opts.Logger.Info("control request rejected", "op", op, "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

