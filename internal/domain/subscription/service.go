package subscription

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/internal/platform/metrics"
)

// Service provides subscription management and the activation lifecycle.
type Service struct {
	repo      Repository
	handshake NotificationChannel
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	allowPrivateEndpoints bool
	requireHTTPS          bool
}

// NewService creates a subscription service. handshake is the rest-hook channel
// used for the activation handshake.
func NewService(repo Repository, handshake NotificationChannel, logger zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{repo: repo, handshake: handshake, logger: logger, metrics: m, now: time.Now}
}

// SetEndpointPolicy controls rest-hook endpoint validation. Private and
// loopback targets are rejected unless allowPrivate is set.
func (s *Service) SetEndpointPolicy(allowPrivate, requireHTTPS bool) {
	s.allowPrivateEndpoints = allowPrivate
	s.requireHTTPS = requireHTTPS
}

// resolveHost is a variable to allow test injection.
var resolveHost = net.LookupHost

func (s *Service) validateEndpointURL(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("endpoint URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint URL has no host")
	}
	if s.requireHTTPS && scheme != "https" {
		return fmt.Errorf("endpoint must use HTTPS")
	}
	if s.allowPrivateEndpoints {
		return nil
	}

	hostname := u.Hostname()
	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "0.0.0.0" || lower == "::" {
		return fmt.Errorf("endpoint hostname %q is not allowed", hostname)
	}

	ips, err := resolveHost(hostname)
	if err != nil {
		return fmt.Errorf("cannot resolve endpoint hostname %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		// covers the 169.254.169.254 cloud metadata address
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("endpoint resolves to private/reserved IP %s", ipStr)
		}
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidSubscription, fmt.Sprintf(format, args...))
}

func (s *Service) validateCriteria(criteria string) error {
	if strings.TrimSpace(criteria) == "" {
		return invalid("criteria is required")
	}
	parsed := fhir.ParseCriteria(criteria)
	if parsed.ResourceType == "" {
		return invalid("criteria must start with a resource type")
	}
	for _, p := range parsed.Params {
		if !fhir.IsSupportedParam(p.Key) {
			return invalid("criteria parameter %q is not supported (supported: %s)",
				p.Key, strings.Join(fhir.SupportedParams(), ", "))
		}
	}
	return nil
}

func (s *Service) validateChannel(ch *Channel) error {
	if ch.Type == "" {
		ch.Type = ChannelRestHook
	}
	if !knownChannelTypes[ch.Type] {
		return invalid("channel type %q is not known", ch.Type)
	}
	switch ch.Type {
	case ChannelRestHook:
		if ch.Endpoint == "" {
			return invalid("channel endpoint is required for rest-hook")
		}
		if err := s.validateEndpointURL(ch.Endpoint); err != nil {
			return invalid("channel endpoint: %v", err)
		}
	case ChannelEmail:
		if !strings.HasPrefix(ch.Endpoint, "mailto:") || len(ch.Endpoint) == len("mailto:") {
			return invalid("email channel endpoint must be a mailto: URI")
		}
	case ChannelSMS:
		if !strings.HasPrefix(ch.Endpoint, "tel:") || len(ch.Endpoint) == len("tel:") {
			return invalid("sms channel endpoint must be a tel: URI")
		}
	}
	if ch.Payload == "" {
		ch.Payload = DefaultPayload
	}
	return nil
}

// CreateSubscription validates and stores a new subscription in the
// requested status. Activation happens through Activate.
func (s *Service) CreateSubscription(ctx context.Context, sub *Subscription) error {
	if err := s.validateCriteria(sub.Criteria); err != nil {
		return err
	}
	if err := s.validateChannel(&sub.Channel); err != nil {
		return err
	}
	if sub.Status == "" {
		sub.Status = StatusRequested
	}
	if sub.Status != StatusRequested {
		return invalid("new subscriptions must be %q; use $activate", StatusRequested)
	}
	sub.ErrorCount = 0
	sub.LastError = nil
	sub.LastNotification = nil
	sub.LastSuccessfulNotification = nil
	sub.EventsSinceStart = 0
	sub.VersionID = 1
	if err := s.repo.Create(ctx, sub); err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	s.logger.Info().
		Str("subscription", sub.FHIRID).
		Str("criteria", sub.Criteria).
		Str("channel", string(sub.Channel.Type)).
		Msg("subscription created")
	return nil
}

func (s *Service) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetSubscriptionByFHIRID(ctx context.Context, fhirID string) (*Subscription, error) {
	return s.repo.GetByFHIRID(ctx, fhirID)
}

func (s *Service) SearchSubscriptions(ctx context.Context, params map[string]string, limit, offset int) ([]*Subscription, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}

func (s *Service) DeleteSubscription(ctx context.Context, fhirID string) error {
	sub, err := s.repo.GetByFHIRID(ctx, fhirID)
	if err != nil {
		return err
	}
	return s.repo.Delete(ctx, sub.ID)
}

// Activate checks a rest-hook endpoint with an empty handshake bundle and, if
// it answers 2xx, marks the subscription active with a clean failure streak.
// Other channel types activate without a handshake. On handshake failure the stored
// subscription is left untouched and ErrEndpointUnreachable is returned.
func (s *Service) Activate(ctx context.Context, fhirID string) (*Subscription, error) {
	sub, err := s.repo.GetByFHIRID(ctx, fhirID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if sub.End != nil && !sub.End.After(now) {
		s.metrics.Activations.WithLabelValues("rejected").Inc()
		return nil, invalid("cannot activate: subscription end time %s has passed; set a later end or remove it",
			sub.End.UTC().Format(time.RFC3339))
	}

	if sub.Channel.Type == ChannelRestHook {
		if err := s.handshake.Deliver(ctx, sub, fhir.NewHandshakeBundle(now)); err != nil {
			s.metrics.Activations.WithLabelValues("unreachable").Inc()
			s.logger.Warn().Err(err).
				Str("subscription", sub.FHIRID).
				Str("endpoint", sub.Channel.Endpoint).
				Msg("activation handshake failed")
			return nil, fmt.Errorf("%w: %s: %v", ErrEndpointUnreachable, sub.Channel.Endpoint, err)
		}
	}

	next, err := s.repo.MarkActive(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("persist activation: %w", err)
	}
	s.metrics.Activations.WithLabelValues("success").Inc()
	s.logger.Info().Str("subscription", next.FHIRID).Msg("subscription activated")
	return next, nil
}

// Deactivate switches a subscription off. No endpoint is contacted.
func (s *Service) Deactivate(ctx context.Context, fhirID string) (*Subscription, error) {
	sub, err := s.repo.GetByFHIRID(ctx, fhirID)
	if err != nil {
		return nil, err
	}
	next, err := s.repo.MarkOff(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("persist deactivation: %w", err)
	}
	s.logger.Info().Str("subscription", next.FHIRID).Msg("subscription deactivated")
	return next, nil
}

// ExpireSubscriptions switches off every active subscription whose end time
// has passed and returns how many were changed.
func (s *Service) ExpireSubscriptions(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.repo.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired subscriptions: %w", err)
	}
	n := 0
	var errs []error
	for _, sub := range expired {
		changed, err := s.repo.MarkExpired(ctx, sub.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", sub.FHIRID, err))
			continue
		}
		if !changed {
			continue
		}
		n++
		s.logger.Info().Str("subscription", sub.FHIRID).Msg("subscription expired")
	}
	return n, errors.Join(errs...)
}

// RunExpirySweep calls ExpireSubscriptions every interval until ctx is done.
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireSubscriptions(ctx); err != nil {
				s.logger.Error().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}
