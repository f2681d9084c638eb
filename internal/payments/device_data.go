package payments

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/hanko-field/dropin/internal/domain"
)

// CorrelationDeviceData produces the opaque device fingerprint attached to session results: a
// random correlation id the risk engine joins against.
type CorrelationDeviceData struct {
	newID func() (uuid.UUID, error)
}

// NewCorrelationDeviceData constructs the collector.
func NewCorrelationDeviceData() *CorrelationDeviceData {
	return &CorrelationDeviceData{newID: uuid.NewRandom}
}

type deviceDataPayload struct {
	CorrelationID string `json:"correlation_id"`
	MerchantID    string `json:"merchant_id,omitempty"`
	Environment   string `json:"environment,omitempty"`
}

// CollectDeviceData returns the JSON fingerprint for the session.
func (c *CorrelationDeviceData) CollectDeviceData(ctx context.Context, sessionID string, cfg domain.ConfigurationSnapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := c.newID()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(deviceDataPayload{
		CorrelationID: strings.ReplaceAll(id.String(), "-", ""),
		MerchantID:    cfg.MerchantID,
		Environment:   cfg.Environment,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
