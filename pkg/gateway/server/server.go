// Package server assembles the gateway's HTTP surface: the live voice
// websocket endpoint plus health and metrics routes.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guestsvalencia/sandra-live/pkg/core/llm"
	"github.com/guestsvalencia/sandra-live/pkg/core/voice/stt"
	"github.com/guestsvalencia/sandra-live/pkg/core/voice/tts"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/config"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/handlers"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/lifecycle"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/live/session"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/live/sessions"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/metrics"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/mw"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/ratelimit"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lifecycle *lifecycle.Lifecycle
	tracker   *sessions.Tracker
	metrics   *metrics.Metrics
	limiter   *ratelimit.Limiter

	completer llm.Completer
	ttsProv   tts.Provider
	sttProv   stt.Provider
	mirror    session.Mirror
}

// Options overrides the providers built from config. Tests inject fakes
// through it.
type Options struct {
	Completer llm.Completer
	TTS       tts.Provider
	STT       stt.Provider
	Mirror    session.Mirror
	Metrics   *metrics.Metrics
}

func New(cfg config.Config, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		tracker:   sessions.NewTracker(),
		limiter: ratelimit.New(ratelimit.Config{
			DialRPS:            cfg.DialRPS,
			DialBurst:          cfg.DialBurst,
			MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		}),
		metrics:   opts.Metrics,
		completer: opts.Completer,
		ttsProv:   opts.TTS,
		sttProv:   opts.STT,
		mirror:    opts.Mirror,
	}

	if s.metrics == nil {
		s.metrics = metrics.New("sandra")
	}
	if s.completer == nil {
		completer := llm.NewAnthropicWithClient(cfg.AnthropicAPIKey, httpClient)
		if cfg.AnthropicModel != "" {
			completer = completer.WithModel(cfg.AnthropicModel)
		}
		if cfg.AnthropicBaseURL != "" {
			completer = completer.WithBaseURL(cfg.AnthropicBaseURL)
		}
		s.completer = completer
	}
	if s.ttsProv == nil {
		provider := tts.NewCartesiaWithClient(cfg.CartesiaAPIKey, httpClient)
		if cfg.CartesiaBaseURL != "" {
			provider = provider.WithBaseURL(cfg.CartesiaBaseURL)
		}
		s.ttsProv = provider
	}
	if s.sttProv == nil {
		if cfg.DeepgramAPIKey != "" {
			provider := stt.NewDeepgramWithClient(cfg.DeepgramAPIKey, httpClient)
			if cfg.DeepgramBaseURL != "" {
				provider = provider.WithBaseURL(cfg.DeepgramBaseURL)
			}
			if cfg.DeepgramModel != "" {
				provider = provider.WithModel(cfg.DeepgramModel)
			}
			s.sttProv = provider
		} else {
			s.sttProv = stt.NewStub()
		}
	}
	if s.mirror == nil && cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s.mirror = sessions.NewRedisStore(client, cfg.MirrorTTL)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.tracker,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Sessions:  s.tracker,
		Metrics:   s.metrics,
		Limiter:   s.limiter,
		Completer: s.completer,
		TTS:       s.ttsProv,
		STT:       s.sttProv,
		Mirror:    s.mirror,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips the readiness probes to not-ready and makes the
// live endpoint refuse new sessions.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnLiveSessionsDraining tells connected sessions the process is
// about to stop.
func (s *Server) WarnLiveSessionsDraining() {
	s.tracker.WarnAll("draining", "server is restarting, please reconnect")
}

// WaitLiveSessions blocks until every live session has ended or ctx
// expires.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// CancelLiveSessions force-closes the remaining live sessions.
func (s *Server) CancelLiveSessions() {
	s.tracker.CancelAll()
}
