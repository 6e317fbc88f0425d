// Package service implements the stream proxy core: request validation,
// the blocked-response retry loop and playlist rewriting.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"animestream-proxy/internal/config"
	"animestream-proxy/internal/metrics"
	"animestream-proxy/internal/model"
	"animestream-proxy/internal/playlist"
)

// passthroughHeaders are the only upstream headers forwarded for
// non-playlist content.
var passthroughHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Content-Encoding",
}

// ProxyService maps inbound stream requests onto upstream fetches and
// produces a ResponsePlan for the responder.
type ProxyService struct {
	controller *Controller
	rewriter   *playlist.Rewriter
	streamPath string
	publicHost string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(ctrl *Controller, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	var publicHost string
	if cfg.Proxy.PublicURL != "" {
		u, err := url.Parse(cfg.Proxy.PublicURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy public_url: %w", err)
		}
		publicHost = strings.ToLower(u.Host)
	}

	return &ProxyService{
		controller: ctrl,
		rewriter:   playlist.NewRewriter(cfg.Proxy.PublicURL, cfg.Proxy.StreamEndpoint()),
		streamPath: cfg.Proxy.StreamPath,
		publicHost: publicHost,
		logger:     logger.With("component", "proxy_service"),
		metrics:    m,
	}, nil
}

// ParseRequest validates the raw url query parameter. Targets that point
// back at this proxy are rejected so a playlist cannot make it call itself.
func (s *ProxyService) ParseRequest(rawURL, rangeHeader string) (*model.ProxyRequest, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrMissingURL
	}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}

	if s.streamPath != "" && strings.Contains(u.Path, s.streamPath) {
		return nil, ErrSelfReferential
	}
	if s.publicHost != "" && strings.ToLower(u.Host) == s.publicHost {
		return nil, ErrSelfReferential
	}

	return &model.ProxyRequest{
		Target: u,
		Range:  rangeHeader,
	}, nil
}

// Proxy fetches the target and returns the plan to emit. Playlists are fully
// drained and rewritten here; everything else keeps its upstream body open
// and the caller must Close the plan.
//
// Range only applies to passthrough content. A playlist is always fetched
// whole, since a partial manifest cannot be rewritten.
func (s *ProxyService) Proxy(ctx context.Context, pr *model.ProxyRequest) (*model.ResponsePlan, error) {
	if pr.Range != "" && playlist.Classify(pr.Target, "") == playlist.KindPlaylist {
		pr = withoutRange(pr)
	}

	out, err := s.controller.Run(ctx, pr)
	if err != nil {
		return nil, fmt.Errorf("fetch upstream: %w", err)
	}

	if playlist.Classify(pr.Target, out.Header.Get("Content-Type")) != playlist.KindPlaylist {
		return s.passthroughPlan(pr, out), nil
	}

	// Only the Content-Type revealed a playlist; fetch it again without Range.
	if pr.Range != "" && out.StatusCode == http.StatusPartialContent {
		_ = out.Body.Close()
		s.logger.Debug("refetching ranged playlist in full", "host", pr.Target.Host)

		pr = withoutRange(pr)
		if out, err = s.controller.Run(ctx, pr); err != nil {
			return nil, fmt.Errorf("fetch upstream: %w", err)
		}
		if out.StatusCode == http.StatusPartialContent {
			_ = out.Body.Close()
			return nil, fmt.Errorf("%w: upstream returned a partial playlist", ErrStream)
		}
	}
	return s.playlistPlan(pr, out)
}

func withoutRange(pr *model.ProxyRequest) *model.ProxyRequest {
	full := *pr
	full.Range = ""
	return &full
}

func (s *ProxyService) playlistPlan(pr *model.ProxyRequest, out *model.Outcome) (*model.ResponsePlan, error) {
	text, err := playlist.ReadText(out.Body, out.Header.Get("Content-Encoding"))
	_ = out.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStream, err)
	}

	base := pr.Target
	if out.URL != nil {
		base = out.URL
	}
	res := s.rewriter.Rewrite(text, playlist.BaseURL(base))
	info := playlist.Inspect(res.Text)

	if s.metrics != nil {
		s.metrics.PlaylistsRewritten.WithLabelValues(info.Kind).Inc()
		s.metrics.RewrittenLines.Add(float64(res.Rewritten))
	}
	s.logger.Debug("playlist rewritten",
		"host", pr.Target.Host,
		"kind", info.Kind,
		"entries", info.Entries,
		"rewritten_lines", res.Rewritten,
	)

	header := make(http.Header)
	header.Set("Content-Type", playlist.MIMEType)
	header.Set("Content-Length", strconv.Itoa(len(res.Text)))
	header.Set("Cache-Control", "no-cache")

	return &model.ResponsePlan{
		Kind:       model.PlanPlaylist,
		StatusCode: out.StatusCode,
		Header:     header,
		Text:       res.Text,
	}, nil
}

func (s *ProxyService) passthroughPlan(pr *model.ProxyRequest, out *model.Outcome) *model.ResponsePlan {
	header := make(http.Header)
	for _, key := range passthroughHeaders {
		if v := out.Header.Get(key); v != "" {
			header.Set(key, v)
		}
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", playlist.GuessContentType(pr.Target))
	}

	return &model.ResponsePlan{
		Kind:       model.PlanPassthrough,
		StatusCode: out.StatusCode,
		Header:     header,
		Body:       out.Body,
	}
}
