package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoRelay upgrades connections and writes every inbound frame back to
// its sender, recording the identity headers it sees.
type echoRelay struct {
	upgrader websocket.Upgrader

	mu         sync.Mutex
	identities []string
	clientIDs  []string
}

func (r *echoRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.identities = append(r.identities, req.Header.Get("X-Identity"))
	r.clientIDs = append(r.clientIDs, req.Header.Get("X-Client-ID"))
	r.mu.Unlock()

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestDialSendsIdentityHeaders(t *testing.T) {
	relay := &echoRelay{}
	server := httptest.NewServer(relay)
	defer server.Close()

	client, err := Dial(wsURL(server), "alice", nil)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "alice", client.Identity())

	relay.mu.Lock()
	defer relay.mu.Unlock()
	require.Len(t, relay.identities, 1)
	assert.Equal(t, "alice", relay.identities[0])
	assert.NotEmpty(t, relay.clientIDs[0])
}

func TestDialRequiresIdentity(t *testing.T) {
	_, err := Dial("ws://127.0.0.1:0", "", nil)
	assert.Error(t, err)
}

func TestSendAndReceiveRoundTrip(t *testing.T) {
	server := httptest.NewServer(&echoRelay{})
	defer server.Close()

	client, err := Dial(wsURL(server), "alice", nil)
	require.NoError(t, err)
	defer client.Close()

	ch, cancel := client.Subscribe()
	defer cancel()

	msg := &Message{
		Kind:        KindInvite,
		To:          "bob",
		SessionID:   "sess-1",
		CallKind:    "video",
		Description: &Description{Type: "offer", SDP: "v=0"},
	}
	require.NoError(t, client.Send(msg))

	select {
	case got := <-ch:
		require.NotNil(t, got)
		assert.Equal(t, KindInvite, got.Kind)
		// Send stamps the sender identity before encoding.
		assert.Equal(t, "alice", got.From)
		assert.Equal(t, "sess-1", got.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("echoed message never arrived")
	}
}

func TestMalformedInboundFramesAreSkipped(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Garbage, then a missing-field message, then a valid one.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"candidate","sessionId":"s1"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"end","from":"bob","to":"alice","sessionId":"s1"}`))

		// Hold the connection open until the client walks away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client, err := Dial(wsURL(server), "alice", nil)
	require.NoError(t, err)
	defer client.Close()

	ch, cancel := client.Subscribe()
	defer cancel()

	select {
	case got := <-ch:
		require.NotNil(t, got)
		assert.Equal(t, KindEnd, got.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message never arrived")
	}

	select {
	case extra, ok := <-ch:
		if ok {
			t.Fatalf("unexpected extra message: %+v", extra)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseClosesSubscribersAndFailsFast(t *testing.T) {
	server := httptest.NewServer(&echoRelay{})
	defer server.Close()

	client, err := Dial(wsURL(server), "alice", nil)
	require.NoError(t, err)

	ch, _ := client.Subscribe()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, ok := <-ch
	assert.False(t, ok)

	err = client.Send(&Message{Kind: KindEnd, To: "bob", SessionID: "s1"})
	assert.ErrorIs(t, err, ErrChannelClosed)

	select {
	case <-client.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestServerDropClosesSubscribers(t *testing.T) {
	server := httptest.NewServer(&echoRelay{})

	client, err := Dial(wsURL(server), "alice", nil)
	require.NoError(t, err)
	defer client.Close()

	ch, _ := client.Subscribe()

	server.CloseClientConnections()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel never closed after drop")
	}
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	server := httptest.NewServer(&echoRelay{})
	defer server.Close()

	client, err := Dial(wsURL(server), "alice", nil)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	ch, cancel := client.Subscribe()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}
