// Package processsvc implements the Process front-end service (spec.md
// §4.6): ingest of a typed Process document, request-state persistence,
// Job publication onto the execute or scheduler channel, and paginated
// response polling. Router/middleware/response-envelope shape follows
// arkeep's server/internal/api package (router.go, middleware.go,
// response.go).
package processsvc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dfm-io/dfm/internal/bus"
	"github.com/dfm-io/dfm/internal/job"
	"github.com/dfm-io/dfm/internal/metrics"
)

// AuthConfig configures the pluggable auth middleware (spec.md §4.6:
// "authentication method is pluggable and MAY be disabled").
type AuthConfig struct {
	// Method is "none" to disable auth entirely, "header" for a shared
	// opaque credential compared against Token, or "bearer-jwt" for an
	// HMAC-signed bearer token (SPEC_FULL.md §11: golang-jwt/jwt/v5).
	Method     string
	HeaderName string
	Token      string
	JWTSecret  []byte
}

// Service holds everything the HTTP handlers need: the shared bus, this
// site's name (published as home_site on every Job whose Process names no
// site of its own), and the metrics
// registry each handler increments.
type Service struct {
	bus      *bus.Bus
	log      *zap.Logger
	metrics  *metrics.Registry
	siteName string
	auth     AuthConfig
	version  string
}

// New constructs a Service. EnsureGroup is called for both outbound
// channels so a consumer started after the first publish still sees a
// well-formed group.
func New(ctx context.Context, b *bus.Bus, log *zap.Logger, m *metrics.Registry, siteName, version string, auth AuthConfig) (*Service, error) {
	if err := b.EnsureGroup(ctx, "ANY", "EXECUTE", "req"); err != nil {
		return nil, err
	}
	if err := b.EnsureGroup(ctx, "ANY", "SCHEDULER", "req"); err != nil {
		return nil, err
	}
	return &Service{bus: b, log: log.Named("processsvc"), metrics: m, siteName: siteName, version: version, auth: auth}, nil
}

// dispatch publishes j on the channel spec.md §4.7 assigns it to: execute
// directly if it's already ready, scheduler otherwise.
func (s *Service) dispatch(ctx context.Context, j job.Job) error {
	if j.Ready(time.Now()) {
		s.metrics.JobsIngested.WithLabelValues("execute_direct").Inc()
		return s.bus.Publish(ctx, "ANY", "EXECUTE", "req", j)
	}
	s.metrics.JobsIngested.WithLabelValues("scheduled").Inc()
	return s.bus.Publish(ctx, "ANY", "SCHEDULER", "req", j)
}
