package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistter/vistterstream/internal/model"
)

type recordingClient struct {
	mu       sync.Mutex
	topics   []string
	payloads []string
	err      error
}

func (r *recordingClient) Connect(context.Context) error { return nil }
func (r *recordingClient) IsConnected() bool             { return true }
func (r *recordingClient) Disconnect()                   {}

func (r *recordingClient) Publish(_ context.Context, topic, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, payload)
	return r.err
}

func TestPublishStreamStatusTopicAndPayload(t *testing.T) {
	rec := &recordingClient{}
	p := NewPublisher(rec, "vistterstream")

	p.PublishStreamStatus(context.Background(), "7", model.StatusError, "broken pipe")

	require.Equal(t, []string{"vistterstream/streams/7/status"}, rec.topics)

	var msg statusMessage
	require.NoError(t, json.Unmarshal([]byte(rec.payloads[0]), &msg))
	assert.Equal(t, "7", msg.StreamID)
	assert.Equal(t, string(model.StatusError), msg.Status)
	assert.Equal(t, "broken pipe", msg.LastError)
	assert.WithinDuration(t, time.Now(), msg.Timestamp, 5*time.Second)
}

func TestPublishPositionTopic(t *testing.T) {
	rec := &recordingClient{}
	p := NewPublisher(rec, "")

	p.PublishPosition(context.Background(), model.PlaybackPosition{
		TimelineID:  7,
		LoopCount:   2,
		CurrentTime: 42.5,
		TotalCues:   3,
	})

	require.Equal(t, []string{"vistterstream/streams/7/position"}, rec.topics)

	var msg positionMessage
	require.NoError(t, json.Unmarshal([]byte(rec.payloads[0]), &msg))
	assert.Equal(t, 7, msg.TimelineID)
	assert.Equal(t, 2, msg.LoopCount)
	assert.InDelta(t, 42.5, msg.CurrentTime, 1e-9)
}

func TestNewPublisherTrimsTrailingSlash(t *testing.T) {
	rec := &recordingClient{}
	p := NewPublisher(rec, "home/av/")
	p.PublishStreamStatus(context.Background(), "1", model.StatusRunning, "")
	require.Equal(t, []string{"home/av/streams/1/status"}, rec.topics)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.ReconnectCooldown)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, "vistterstream", cfg.ClientID)
}

func TestClientPublishRequiresConnection(t *testing.T) {
	c := NewClient(Config{Broker: "tcp://127.0.0.1:1883"}, nil)
	err := c.Publish(context.Background(), "t", "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}
