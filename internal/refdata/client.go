// Package refdata wraps the reference data service that resolves numeric
// entity ids to display names.
package refdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/riftwatch/killwatch/internal/domain/model"
	"github.com/riftwatch/killwatch/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// ErrNotFound reports an id the reference service does not know. Callers
// substitute a placeholder name rather than failing.
var ErrNotFound = errors.New("refdata: entity not found")

// Resolver resolves one entity reference to its display name.
type Resolver interface {
	Resolve(ctx context.Context, ref model.EntityRef) (string, error)
}

// Client is the HTTP Resolver. Every call is bounded by the configured
// timeout and throttled by a shared limiter so enrichment bursts cannot
// exhaust the upstream rate budget.
type Client struct {
	baseURL string
	httpc   *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond int
	RateBurst     int
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = cfg.RatePerSecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpc:   &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		logger:  logger.With("component", "refdata"),
	}
}

type nameResponse struct {
	Name string `json:"name"`
}

// Resolve looks up the display name for ref. Not-found ids return
// ErrNotFound; transport and server failures return wrapped errors with
// the HTTP status embedded for retry classification.
func (c *Client) Resolve(ctx context.Context, ref model.EntityRef) (string, error) {
	path, err := entityPath(ref)
	if err != nil {
		return "", err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("refdata rate wait: %w", err)
	}

	ctx, span := tracing.Tracer("refdata").Start(ctx, "refdata.Resolve")
	span.SetAttributes(
		attribute.String("entity.kind", string(ref.Kind)),
		attribute.Int64("entity.id", ref.ID),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("refdata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("refdata %s/%d: %w", ref.Kind, ref.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("refdata %s/%d: %w", ref.Kind, ref.ID, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("refdata %s/%d: http status %d", ref.Kind, ref.ID, resp.StatusCode)
	}

	var body nameResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("refdata %s/%d: decode: %w", ref.Kind, ref.ID, err)
	}
	if body.Name == "" {
		return "", fmt.Errorf("refdata %s/%d: empty name: %w", ref.Kind, ref.ID, ErrNotFound)
	}
	return body.Name, nil
}

func entityPath(ref model.EntityRef) (string, error) {
	if ref.ID <= 0 {
		return "", fmt.Errorf("refdata: invalid id %d for kind %s", ref.ID, ref.Kind)
	}
	switch ref.Kind {
	case model.EntityCharacter:
		return fmt.Sprintf("/characters/%d/", ref.ID), nil
	case model.EntityCorporation:
		return fmt.Sprintf("/corporations/%d/", ref.ID), nil
	case model.EntityAlliance:
		return fmt.Sprintf("/alliances/%d/", ref.ID), nil
	case model.EntityShipType:
		return fmt.Sprintf("/universe/types/%d/", ref.ID), nil
	case model.EntitySystem:
		return fmt.Sprintf("/universe/systems/%d/", ref.ID), nil
	default:
		return "", fmt.Errorf("refdata: unknown entity kind %q", ref.Kind)
	}
}
