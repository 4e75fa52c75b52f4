// Package api exposes the gateway over HTTP: challenge issuance, the
// protected chat endpoint, the cost reconciliation hook, and the admin
// management surface.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/promptgate/promptgate/internal/admission"
	"github.com/promptgate/promptgate/internal/challenge"
	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/settings"
	"github.com/promptgate/promptgate/internal/store"
	"github.com/promptgate/promptgate/internal/usage"
)

// upstreamCostHeader reports the actual billed cost of a completed
// generation, set by the protected pipeline.
const upstreamCostHeader = "X-Upstream-Cost-Micros"

// Server wires the admission pipeline to HTTP endpoints.
type Server struct {
	pipeline       *admission.Pipeline
	challenges     *challenge.Manager
	settings       *settings.Accessor
	recorder       *usage.Recorder
	db             *gorm.DB
	jwtCfg         config.JWTConfig
	upstream       *url.URL
	internalSecret string
	nowFn          func() time.Time
}

// NewServer constructs a Server. An empty upstreamURL leaves the protected
// endpoint returning 502 after admission, which is useful in tests. An empty
// internalSecret disables the reconcile callback entirely.
func NewServer(pipeline *admission.Pipeline, challenges *challenge.Manager, accessor *settings.Accessor, recorder *usage.Recorder, dbConn *gorm.DB, jwtCfg config.JWTConfig, upstreamURL, internalSecret string, nowFn func() time.Time) (*Server, error) {
	var upstream *url.URL
	if trimmed := strings.TrimSpace(upstreamURL); trimmed != "" {
		parsed, errParse := url.Parse(trimmed)
		if errParse != nil {
			return nil, fmt.Errorf("api: parse upstream url: %w", errParse)
		}
		upstream = parsed
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Server{
		pipeline:       pipeline,
		challenges:     challenges,
		settings:       accessor,
		recorder:       recorder,
		db:             dbConn,
		jwtCfg:         jwtCfg,
		upstream:       upstream,
		internalSecret: internalSecret,
		nowFn:          nowFn,
	}, nil
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestContext(), accessLog())

	engine.GET("/healthz", s.handleHealthz)
	engine.POST("/v1/challenge", s.handleIssueChallenge)
	engine.POST("/v1/chat", s.handleChat)
	engine.POST("/internal/reconcile", internalAuth(s.internalSecret), s.handleReconcile)

	engine.POST("/v1/admin/login", s.handleAdminLogin)
	adminGroup := engine.Group("/v1/admin", adminAuth(s.jwtCfg.Secret))
	adminGroup.GET("/settings", s.handleListSettings)
	adminGroup.PUT("/settings/:key", s.handleUpdateSetting)
	adminGroup.DELETE("/settings/:key", s.handleDeleteSetting)
	adminGroup.GET("/usage", s.handleListUsage)

	return engine
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleIssueChallenge hands out a one-time challenge for the caller's
// identity, or a structured 429 when issuance is capped or banned.
func (s *Server) handleIssueChallenge(c *gin.Context) {
	id := trackingIdentity(c)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client identity could not be derived"})
		return
	}

	issued, errIssue := s.challenges.Issue(c.Request.Context(), id)
	if errIssue != nil {
		var retryable *challenge.RetryableError
		if errors.As(errIssue, &retryable) {
			reason := "issuance_rate_limited"
			if errors.Is(errIssue, challenge.ErrTooManyActive) {
				reason = "issuance_too_many_active"
			}
			denyJSON(c, http.StatusTooManyRequests, reason, retryable.Error(), retryable.RetryAfter)
			return
		}
		storeFailure(c, errIssue)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"challenge_id":       issued.ID,
		"expires_in_seconds": int64(issued.ExpiresAt.Sub(s.nowFn()).Seconds()),
	})
}

// handleChat runs the admission pipeline and forwards admitted requests to
// the protected generation pipeline.
func (s *Server) handleChat(c *gin.Context) {
	id := trackingIdentity(c)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client identity could not be derived"})
		return
	}

	ctx := c.Request.Context()
	estimate := s.settings.RequestCostEstimateMicros(ctx)
	decision, errAdmit := s.pipeline.Admit(ctx, admission.Request{
		Identity:          id,
		ChallengeID:       strings.TrimSpace(c.GetHeader(challengeHeader)),
		VerificationToken: strings.TrimSpace(c.GetHeader(verificationHeader)),
		EstimateMicros:    estimate,
	})
	if errAdmit != nil {
		storeFailure(c, errAdmit)
		return
	}
	if !decision.Admitted {
		status := http.StatusTooManyRequests
		switch decision.Reason {
		case admission.ReasonChallengeMissing, admission.ReasonChallengeWrongOwner:
			status = http.StatusForbidden
		}
		denyJSON(c, status, string(decision.Reason), decision.Message, decision.RetryAfter)
		return
	}

	s.recorder.Record(id, estimate, true, s.nowFn())
	s.forward(c, id, estimate)
}

// forward proxies the admitted request upstream and reconciles the actual
// billed cost reported by the pipeline.
func (s *Server) forward(c *gin.Context, identity string, estimateMicros int64) {
	if s.upstream == nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream not configured"})
		return
	}

	var actualMicros int64 = -1
	proxy := httputil.NewSingleHostReverseProxy(s.upstream)
	proxy.ModifyResponse = func(resp *http.Response) error {
		if raw := strings.TrimSpace(resp.Header.Get(upstreamCostHeader)); raw != "" {
			if parsed, errParse := strconv.ParseInt(raw, 10, 64); errParse == nil && parsed >= 0 {
				actualMicros = parsed
			}
		}
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, errProxy error) {
		log.WithError(errProxy).Warn("api: upstream request failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
	}
	proxy.ServeHTTP(&upstreamWriter{ResponseWriter: c.Writer}, c.Request)

	if actualMicros >= 0 {
		if errReport := s.pipeline.ReportCost(c.Request.Context(), identity, estimateMicros, actualMicros); errReport != nil {
			log.WithError(errReport).Warn("api: cost reconciliation failed")
		}
		s.recorder.Record(identity, actualMicros, false, s.nowFn())
	}
}

// upstreamWriter hides gin's CloseNotify from the reverse proxy. Gin's
// response writer asserts the underlying writer to http.CloseNotifier and
// panics on transports that lack it; the proxy watches the request context
// for cancellation instead.
type upstreamWriter struct {
	http.ResponseWriter
}

// Flush forwards streaming flushes to the wrapped writer.
func (w *upstreamWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// reconcileRequest is the pipeline's cost callback payload.
type reconcileRequest struct {
	Identity       string `json:"identity"`        // Stable tracking identity.
	CostMicros     int64  `json:"cost_micros"`     // Actual billed cost.
	EstimateMicros *int64 `json:"estimate_micros"` // Optional pre-flight estimate; defaults to the configured one.
}

// handleReconcile lets the protected pipeline report actual costs when it
// bills out of band instead of via the response header.
func (s *Server) handleReconcile(c *gin.Context) {
	var body reconcileRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	id := strings.TrimSpace(body.Identity)
	if id == "" || body.CostMicros < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity and non-negative cost_micros are required"})
		return
	}

	ctx := c.Request.Context()
	estimate := s.settings.RequestCostEstimateMicros(ctx)
	if body.EstimateMicros != nil && *body.EstimateMicros >= 0 {
		estimate = *body.EstimateMicros
	}
	if errReport := s.pipeline.ReportCost(ctx, id, estimate, body.CostMicros); errReport != nil {
		storeFailure(c, errReport)
		return
	}
	s.recorder.Record(id, body.CostMicros, false, s.nowFn())
	c.JSON(http.StatusOK, gin.H{"status": "reconciled"})
}

// denyJSON writes a structured denial with a Retry-After hint.
func denyJSON(c *gin.Context, status int, reason, message string, retryAfter time.Duration) {
	body := gin.H{"reason": reason, "message": message}
	if retryAfter > 0 {
		seconds := int64(retryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		body["retry_after"] = seconds
		c.Header("Retry-After", strconv.FormatInt(seconds, 10))
	}
	c.JSON(status, body)
}

// storeFailure maps infrastructure errors to a server error response. The
// counter store being unreachable has no safe default, so the request fails
// closed.
func storeFailure(c *gin.Context, err error) {
	log.WithError(err).Error("api: admission infrastructure failure")
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrUnavailable) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": "service temporarily unavailable"})
}
