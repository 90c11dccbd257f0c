package telemetry

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeClient struct {
	mu           sync.Mutex
	topics       []string
	qos          []byte
	messages     [][]byte
	err          error
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.qos = append(c.qos, qos)
	c.messages = append(c.messages, payload.([]byte))
	return doneToken{err: c.err}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestPublisher(cfg Config, c *fakeClient) *Publisher {
	cfg.applyDefaults()
	p := newPublisher(cfg, testLogger())
	p.client = c
	return p
}

func TestEncodeDecode(t *testing.T) {
	msg := Encode(0x0102030405060708, []byte{0xaa, 0xbb})
	assert.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, 0xaa, 0xbb}, msg)

	ts, payload, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), ts)
	assert.Equal(t, []byte{0xaa, 0xbb}, payload)

	_, _, err = Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	c := &fakeClient{}
	p := newTestPublisher(Config{Topic: "cam/frames", QueueSize: 2}, c)

	for i := range 5 {
		p.PublishFrame(uint64(i), []byte{byte(i)})
	}
	st := p.Stats()
	assert.Equal(t, 2, st.Queued)
	assert.Equal(t, uint64(3), st.Dropped)

	p.start()
	require.NoError(t, p.Close())

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.messages, 2)
	assert.Equal(t, Encode(0, []byte{0}), c.messages[0])
	assert.Equal(t, Encode(1, []byte{1}), c.messages[1])
	assert.Equal(t, []string{"cam/frames", "cam/frames"}, c.topics)
	assert.True(t, c.disconnected)
	assert.Equal(t, uint64(2), p.Stats().Published)
}

func TestPublisher_CopiesPayload(t *testing.T) {
	c := &fakeClient{}
	p := newTestPublisher(Config{}, c)

	buf := []byte{1, 2, 3}
	p.PublishFrame(9, buf)
	buf[0] = 0xff

	p.start()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "close is idempotent")

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.messages, 1)
	assert.Equal(t, Encode(9, []byte{1, 2, 3}), c.messages[0])
}

func TestPublisher_CountsAcknowledgedFailures(t *testing.T) {
	c := &fakeClient{err: assert.AnError}
	p := newTestPublisher(Config{QoS: 1}, c)
	p.start()

	p.PublishFrame(1, []byte{1})
	require.NoError(t, p.Close())

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Errors)
	assert.Zero(t, st.Published)
	assert.Equal(t, []byte{1}, c.qos)
}

func TestConnect_RequiresBroker(t *testing.T) {
	_, err := Connect(context.Background(), Config{}, testLogger())
	assert.Error(t, err)
}

func TestConnect_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Nothing listens on the discard port; connect retries until the timeout.
	_, err := Connect(ctx, Config{Broker: "tcp://127.0.0.1:9", ConnectTimeout: 200 * time.Millisecond}, testLogger())
	assert.Error(t, err)
}
