package geocode

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"bitbucket.org/datafocusmx/renec_backend/config"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// MinConfidence is the floor below which a geocode result is not
// persisted. Centers stay ungeocoded and are retried next backfill.
const MinConfidence = 0.3

// Result is one provider answer.
type Result struct {
	Latitude   decimal.Decimal
	Longitude  decimal.Decimal
	Confidence float64
	Source     string
}

// AddressParts is the structured address of an evaluation center.
type AddressParts struct {
	Address      string
	Municipality string
	State        string
	PostalCode   string
}

// Query composes the free-text geocoding query. Empty components are
// dropped rather than serialized as stray separators.
func (p AddressParts) Query() string {
	parts := make([]string, 0, 5)
	for _, s := range []string{p.Address, p.Municipality, p.State, p.PostalCode} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	parts = append(parts, "Mexico")
	return strings.Join(parts, ", ")
}

// Provider answers a single free-text query. A nil result with nil
// error means the provider found nothing.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, query string) (*Result, error)
}

// Resolver runs the provider chain behind a shared rate limiter. One
// request per interval crosses the wire regardless of which provider
// serves it.
type Resolver struct {
	primary     Provider
	fallback    Provider
	logger      *logrus.Logger
	minInterval time.Duration

	mu          sync.Mutex
	lastRequest time.Time
}

// NewResolver builds the default chain. GEOCODE_PRIMARY_PROVIDER
// selects the provider tried first; Nominatim is the default and also
// the fallback when a non-default primary finds nothing.
func NewResolver(logger *logrus.Logger) *Resolver {
	nominatim := newNominatimProvider()
	photon := newPhotonProvider()

	primary := Provider(nominatim)
	fallback := Provider(nil)
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GEOCODE_PRIMARY_PROVIDER")), photon.Name()) {
		primary = photon
		fallback = nominatim
	}

	return &Resolver{
		primary:     primary,
		fallback:    fallback,
		logger:      logger,
		minInterval: geocodeIntervalFromEnv(),
	}
}

// newResolverWith is the injectable constructor used by tests.
func newResolverWith(logger *logrus.Logger, primary Provider, fallback Provider, minInterval time.Duration) *Resolver {
	return &Resolver{
		primary:     primary,
		fallback:    fallback,
		logger:      logger,
		minInterval: minInterval,
	}
}

// Resolve geocodes one address. An empty composed query short-circuits
// to nil without touching the network or the rate limiter. Provider
// errors degrade to a nil result; geocoding is never load-bearing.
func (r *Resolver) Resolve(ctx context.Context, parts AddressParts) *Result {
	query := parts.Query()
	if query == "" {
		return nil
	}

	if res := r.tryProvider(ctx, r.primary, query); res != nil {
		return res
	}
	if r.fallback != nil {
		return r.tryProvider(ctx, r.fallback, query)
	}
	return nil
}

func (r *Resolver) tryProvider(ctx context.Context, p Provider, query string) *Result {
	if err := r.wait(ctx); err != nil {
		return nil
	}
	res, err := p.Geocode(ctx, query)
	if err != nil {
		config.LogError(r.logger, "geocode", "tryProvider", p.Name(), nil, err)
		return nil
	}
	return res
}

// wait enforces the shared minimum interval between outbound requests.
func (r *Resolver) wait(ctx context.Context) error {
	r.mu.Lock()
	now := time.Now()
	sleep := r.minInterval - now.Sub(r.lastRequest)
	if sleep < 0 {
		sleep = 0
	}
	r.lastRequest = now.Add(sleep)
	r.mu.Unlock()

	if sleep == 0 {
		return nil
	}
	select {
	case <-time.After(sleep):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func geocodeIntervalFromEnv() time.Duration {
	if v := strings.TrimSpace(os.Getenv("GEOCODE_MIN_INTERVAL_MS")); v != "" {
		if d, err := time.ParseDuration(v + "ms"); err == nil && d >= 0 {
			return d
		}
	}
	// Nominatim usage policy: at most one request per second.
	return time.Second
}
