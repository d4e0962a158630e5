// Package notify hands matched killmails to the downstream notification
// endpoint. Delivery is at-most-once per pipeline pass; failures are
// logged and counted but never retried here, because the dedup guard has
// already marked the event as handled.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riftwatch/killwatch/internal/domain/model"
	"github.com/riftwatch/killwatch/internal/metrics"
)

const defaultTimeout = 10 * time.Second

// Payload is the JSON body posted to the notification endpoint. The
// notification id is generated per dispatch so downstream consumers can
// correlate receipt logs even when a killmail is replayed across restarts.
type Payload struct {
	NotificationID string                `json:"notification_id"`
	KillmailID     int64                 `json:"killmail_id"`
	Hash           string                `json:"hash,omitempty"`
	SystemID       int64                 `json:"solar_system_id"`
	SystemName     string                `json:"system_name,omitempty"`
	KillTime       time.Time             `json:"kill_time"`
	TotalValue     float64               `json:"total_value,omitempty"`
	Victim         victimPayload         `json:"victim"`
	AttackerCount  int                   `json:"attacker_count"`
	FinalBlow      *attackerPayload      `json:"final_blow,omitempty"`
	Matched        []model.MatchedEntity `json:"matched"`
	Persisted      bool                  `json:"persisted"`
	SentAt         time.Time             `json:"sent_at"`
}

type victimPayload struct {
	CharacterID     int64  `json:"character_id,omitempty"`
	CharacterName   string `json:"character_name,omitempty"`
	CorporationID   int64  `json:"corporation_id,omitempty"`
	CorporationName string `json:"corporation_name,omitempty"`
	AllianceID      int64  `json:"alliance_id,omitempty"`
	AllianceName    string `json:"alliance_name,omitempty"`
	ShipTypeID      int64  `json:"ship_type_id,omitempty"`
	ShipName        string `json:"ship_name,omitempty"`
}

type attackerPayload struct {
	CharacterID   int64  `json:"character_id,omitempty"`
	CharacterName string `json:"character_name,omitempty"`
	ShipTypeID    int64  `json:"ship_type_id,omitempty"`
	ShipName      string `json:"ship_name,omitempty"`
}

// Dispatcher posts notification payloads to a single HTTP endpoint.
type Dispatcher struct {
	url    string
	client *http.Client
	logger *slog.Logger
	nowFn  func() time.Time
	idFn   func() string
}

type Option func(*Dispatcher)

// WithHTTPClient swaps the underlying client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

// WithTimeout bounds a single dispatch attempt. Applied after
// WithHTTPClient it adjusts the supplied client.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.client.Timeout = d
		}
	}
}

func New(url string, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger.With("component", "dispatcher"),
		nowFn:  time.Now,
		idFn:   uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch posts one notification for km with the matched entities from the
// decision. The returned error is informational; callers log it and move on.
func (d *Dispatcher) Dispatch(ctx context.Context, km *model.Killmail, matched []model.MatchedEntity) error {
	payload := buildPayload(km, matched)
	payload.NotificationID = d.idFn()
	payload.SentAt = d.nowFn().UTC()

	body, err := json.Marshal(payload)
	if err != nil {
		metrics.DispatchAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("marshal notification %d: %w", km.KillmailID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		metrics.DispatchAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-ID", payload.NotificationID)

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.DispatchAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("post notification %d: %w", km.KillmailID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		metrics.DispatchAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("notification %d: http status %d", km.KillmailID, resp.StatusCode)
	}

	metrics.DispatchAttempts.WithLabelValues("ok").Inc()
	d.logger.Info("notification dispatched",
		"killmail_id", km.KillmailID,
		"notification_id", payload.NotificationID,
		"matches", len(matched),
	)
	return nil
}

func buildPayload(km *model.Killmail, matched []model.MatchedEntity) Payload {
	p := Payload{
		KillmailID:    km.KillmailID,
		Hash:          km.Hash,
		SystemID:      km.SolarSystemID,
		SystemName:    km.SystemName,
		KillTime:      km.KillTime,
		TotalValue:    km.TotalValue,
		AttackerCount: km.AttackerCount,
		Matched:       matched,
		Persisted:     km.Persisted,
		Victim: victimPayload{
			CharacterID:     km.Victim.CharacterID,
			CharacterName:   km.Victim.CharacterName,
			CorporationID:   km.Victim.CorporationID,
			CorporationName: km.Victim.CorporationName,
			AllianceID:      km.Victim.AllianceID,
			AllianceName:    km.Victim.AllianceName,
			ShipTypeID:      km.Victim.ShipTypeID,
			ShipName:        km.Victim.ShipName,
		},
	}
	for i := range km.Attackers {
		if km.Attackers[i].FinalBlow {
			p.FinalBlow = &attackerPayload{
				CharacterID:   km.Attackers[i].CharacterID,
				CharacterName: km.Attackers[i].CharacterName,
				ShipTypeID:    km.Attackers[i].ShipTypeID,
				ShipName:      km.Attackers[i].ShipName,
			}
			break
		}
	}
	return p
}
