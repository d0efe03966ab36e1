package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/events"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestClientReceivesEvents(t *testing.T) {
	pub := events.NewPublisher(16, time.Minute)
	defer pub.Close()
	srv := httptest.NewServer(NewHandler(pub))
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return pub.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	pub.Publish(events.NewMessage(events.KindThreatEvent, map[string]string{"camera_id": "cam-0"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    events.Kind       `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, events.KindThreatEvent, msg.Type)
	assert.Equal(t, "cam-0", msg.Payload["camera_id"])
}

func TestTypesQueryFiltersKinds(t *testing.T) {
	pub := events.NewPublisher(16, time.Minute)
	defer pub.Close()
	srv := httptest.NewServer(NewHandler(pub))
	defer srv.Close()

	conn := dial(t, srv, "?types=correlation_opened")
	require.Eventually(t, func() bool { return pub.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	pub.Publish(events.NewMessage(events.KindObservation, nil))
	pub.Publish(events.NewMessage(events.KindCorrelationOpened, nil))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"correlation_opened"`)
}

func TestDisconnectRemovesSubscription(t *testing.T) {
	pub := events.NewPublisher(16, time.Minute)
	defer pub.Close()
	srv := httptest.NewServer(NewHandler(pub))
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return pub.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return pub.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestParseKinds(t *testing.T) {
	assert.Nil(t, parseKinds(""))
	assert.Equal(t, []events.Kind{events.KindThreatEvent}, parseKinds("threat_event"))
	assert.Equal(t,
		[]events.Kind{events.KindThreatEvent, events.KindCorrelationOpened},
		parseKinds("threat_event, correlation_opened"))
}
