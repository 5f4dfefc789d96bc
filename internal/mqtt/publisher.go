package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vistter/vistterstream/internal/model"
)

// defaultTopicBase prefixes all engine topics.
const defaultTopicBase = "vistterstream"

// statusMessage is the wire shape of a stream status transition.
type statusMessage struct {
	StreamID  string    `json:"stream_id"`
	Status    string    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// positionMessage is the wire shape of a playback position snapshot.
type positionMessage struct {
	TimelineID      int       `json:"timeline_id"`
	LoopCount       int       `json:"loop_count"`
	CurrentTime     float64   `json:"current_time"`
	CurrentCueID    int       `json:"current_cue_id"`
	CurrentCueIndex int       `json:"current_cue_index"`
	TotalCues       int       `json:"total_cues"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Publisher formats engine events onto the broker's topic tree:
// <base>/streams/<id>/status and <base>/streams/<id>/position.
type Publisher struct {
	client    Client
	topicBase string
}

// NewPublisher builds a publisher over an already configured client.
func NewPublisher(client Client, topicBase string) *Publisher {
	base := strings.TrimSuffix(topicBase, "/")
	if base == "" {
		base = defaultTopicBase
	}
	return &Publisher{client: client, topicBase: base}
}

// PublishStreamStatus publishes one stream status transition. Errors
// are logged, not returned; status publishing is best effort and must
// never stall the engine.
func (p *Publisher) PublishStreamStatus(ctx context.Context, streamID string, status model.StreamStatus, lastError string) {
	msg := statusMessage{
		StreamID:  streamID,
		Status:    string(status),
		LastError: lastError,
		Timestamp: time.Now(),
	}
	p.publishJSON(ctx, fmt.Sprintf("%s/streams/%s/status", p.topicBase, streamID), msg)
}

// PublishPosition publishes one playback position snapshot.
func (p *Publisher) PublishPosition(ctx context.Context, pos model.PlaybackPosition) {
	msg := positionMessage{
		TimelineID:      pos.TimelineID,
		LoopCount:       pos.LoopCount,
		CurrentTime:     pos.CurrentTime,
		CurrentCueID:    pos.CurrentCueID,
		CurrentCueIndex: pos.CurrentCueIndex,
		TotalCues:       pos.TotalCues,
		UpdatedAt:       pos.UpdatedAt,
	}
	p.publishJSON(ctx, fmt.Sprintf("%s/streams/%d/position", p.topicBase, pos.TimelineID), msg)
}

func (p *Publisher) publishJSON(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		mqttLogger.Error("marshaling payload", "topic", topic, "error", err)
		return
	}
	if err := p.client.Publish(ctx, topic, string(payload)); err != nil {
		mqttLogger.Warn("publish failed", "topic", topic, "error", err)
	}
}
