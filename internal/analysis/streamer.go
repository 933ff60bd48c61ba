package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// EventType stages one streamed analysis response.
type EventType string

const (
	EventStatus   EventType = "status"
	EventUpdate   EventType = "update"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Insight is one provider's contribution to the analysis.
type Insight struct {
	Provider string            `json:"provider"`
	Summary  string            `json:"summary"`
	Metrics  map[string]string `json:"metrics,omitempty"`
}

// Event is one element of the streamed sequence. The sequence is finite and
// terminated by exactly one complete or error event.
type Event struct {
	Type      EventType `json:"type"`
	AssetID   string    `json:"assetId"`
	Message   string    `json:"message,omitempty"`
	Insight   *Insight  `json:"insight,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Provider produces one analysis insight for an asset and timeframe.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, assetID, timeframe string) (Insight, error)
}

// EmitFunc hands one event to the transport, which must flush it before the
// next event is produced. A non-nil return stops the stream.
type EmitFunc func(Event) error

// Streamer multiplexes the configured providers into one incrementally
// delivered event sequence per request.
type Streamer struct {
	providers []Provider
	logger    zerolog.Logger
}

// NewStreamer constructs a Streamer over providers consulted in order.
func NewStreamer(providers []Provider, logger zerolog.Logger) *Streamer {
	return &Streamer{
		providers: providers,
		logger:    logger.With().Str("component", "analysis_streamer").Logger(),
	}
}

// Stream produces the event sequence for one asset. Each provider is awaited
// in turn; a cancelled context stops production after the in-flight provider
// call, and an emit failure (consumer gone) stops it immediately.
func (s *Streamer) Stream(ctx context.Context, assetID, timeframe string, emit EmitFunc) error {
	if err := emit(Event{
		Type:      EventStatus,
		AssetID:   assetID,
		Message:   fmt.Sprintf("analyzing %s over %s", assetID, timeframe),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return err
	}

	delivered := 0
	for _, p := range s.providers {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		insight, err := p.Analyze(ctx, assetID, timeframe)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Str("provider", p.Name()).Str("asset", assetID).Err(err).Msg("analysis provider failed")
			continue
		}

		if err := emit(Event{
			Type:      EventUpdate,
			AssetID:   assetID,
			Insight:   &insight,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			return err
		}
		delivered++
	}

	if delivered == 0 {
		return emit(Event{
			Type:      EventError,
			AssetID:   assetID,
			Message:   "no analysis available",
			Timestamp: time.Now().UTC(),
		})
	}

	return emit(Event{
		Type:      EventComplete,
		AssetID:   assetID,
		Message:   fmt.Sprintf("%d insights delivered", delivered),
		Timestamp: time.Now().UTC(),
	})
}
