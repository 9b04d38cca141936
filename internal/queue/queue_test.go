package queue

import (
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchpipe/fetchpipe/internal/fetch"
)

func TestPipelineQueues(t *testing.T) {
	queues := PipelineQueues()

	assert.Equal(t, []string{
		"scrape.requests",
		"scrape.started",
		"scrape.results",
		"scrape.failures",
	}, queues)
}

func TestQueueArgsTTL(t *testing.T) {
	args := queueArgs()

	ttl, ok := args["x-message-ttl"].(int32)
	require.True(t, ok, "TTL must be an AMQP-encodable integer")
	assert.Equal(t, int32(3600000), ttl, "one hour in milliseconds")
}

func TestBuildPublishing(t *testing.T) {
	body := []byte(`{"id":"abc"}`)
	pub := buildPublishing(body)

	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), pub.DeliveryMode)
	assert.NotEmpty(t, pub.MessageId)
	assert.False(t, pub.Timestamp.IsZero())
	assert.Equal(t, body, pub.Body)

	// Message IDs must be unique across publishes for consumer dedup.
	assert.NotEqual(t, pub.MessageId, buildPublishing(body).MessageId)
}

func TestRequestEnvelopeWireFormat(t *testing.T) {
	req := fetch.Request{ID: "65f000000000000000000001", URL: "https://example.com", RetryCount: 2, Priority: 2}

	body, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.Equal(t, "65f000000000000000000001", decoded["id"])
	assert.Equal(t, "https://example.com", decoded["url"])
	assert.Equal(t, float64(2), decoded["retry_count"])
	assert.Equal(t, float64(2), decoded["priority"])
}
