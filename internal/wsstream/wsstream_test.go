package wsstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pulsehub/profile-engine/internal/events"
)

func TestPublish_WithNoClientsDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)

	require.NoError(t, h.Publish(ctx, events.NewProfileUpdated("U1", 1, time.Now())))
}

func TestHandleUpgrade_BroadcastsProfileUpdatedToConnectedClient(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)

	server := httptest.NewServer(http.HandlerFunc(h.HandleUpgrade))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // allow the register message to land

	require.NoError(t, h.Publish(ctx, events.NewProfileUpdated("U2", 3, time.Now())))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.ProfileUpdated
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "U2", got.UserID)
	require.Equal(t, uint64(3), got.Version)
}
