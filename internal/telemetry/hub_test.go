package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub, topic string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Subscribe(topic, conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubPublishDeliversToSubscriber(t *testing.T) {
	hub := NewHub()
	client := dialHub(t, hub, "job_telemetry:job-1")

	// give the server-side handler a moment to register the subscription
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, hub.Publish("job_telemetry:job-1", map[string]string{"status": "Running"}))

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "Running")
}

func TestHubPublishSkipsOtherTopics(t *testing.T) {
	hub := NewHub()
	client := dialHub(t, hub, "jobs_list")
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, hub.Publish("job_telemetry:job-1", map[string]string{"status": "Running"}))

	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := client.ReadMessage()
	assert.Error(t, err, "a subscriber of a different topic must not receive the message")
}
