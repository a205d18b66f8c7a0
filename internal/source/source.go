// Package source fetches raw surveillance data from upstream public health
// feeds and normalizes it into the canonical observation schema.
//
// Each upstream feed gets one Connector implementation. Unit conversion,
// country-code mapping, and subtype canonicalization all happen here;
// nothing downstream re-interprets source quirks. Retry policy is a
// decorator ([WithRetry]) shared by every connector, not per-connector
// state.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fluwatch/flutracker/internal/domain"
)

// Batch is one connector pull: normalized observations, any auxiliary
// clinical signals the feed carries, and the count of records dropped
// during normalization.
type Batch struct {
	Observations []domain.Observation
	AuxSignals   []domain.AuxSignal
	Skipped      int
}

// Connector pulls one upstream feed and emits normalized observations.
// since is an optional lower bound; connectors whose upstream cannot filter
// server-side ignore it and return everything — the coordinator's dedup
// step is what makes that safe, not the connector.
type Connector interface {
	Name() string
	Fetch(ctx context.Context, since *time.Time) (Batch, error)
}

// New builds the named connector, wrapped in the standard retry policy.
func New(name string, logger *slog.Logger, httpTimeout time.Duration) (Connector, error) {
	client := &http.Client{Timeout: httpTimeout}
	switch name {
	case flunetSource:
		return WithRetry(NewFluNet(client, logger), logger), nil
	case fluviewSource:
		return WithRetry(NewFluView(client, logger), logger), nil
	case ukhsaSource:
		return WithRetry(NewUKHSA(client, logger), logger), nil
	case infoGripeSource:
		return WithRetry(NewInfoGripe(client, logger), logger), nil
	default:
		return nil, fmt.Errorf("unknown source: %s", name)
	}
}
