package httpx

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/target/review-pulse/internal/domain/model"
)

type eventFrame struct {
	Message model.NotificationEvent `json:"message"`
}

type textFrame struct {
	Message string `json:"message"`
}

func dialLive(t *testing.T, h *apiHarness) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h.handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
	ws, err := websocket.Dial(url, "", srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func TestLive_ReceivesPublishedEvents(t *testing.T) {
	h := newAPIHarness(t)
	ws := dialLive(t, h)
	require.Eventually(t, func() bool { return h.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	taskID := "task-9"
	require.NoError(t, h.hub.Publish(context.Background(), model.NotificationEvent{
		Type:           model.EventTypeJobUpdated,
		ID:             "job-1",
		Status:         model.JobStatusProcessing,
		ExternalTaskID: &taskID,
	}))

	var frame eventFrame
	require.NoError(t, websocket.JSON.Receive(ws, &frame))
	assert.Equal(t, "job-1", frame.Message.ID)
	assert.Equal(t, model.JobStatusProcessing, frame.Message.Status)
	require.NotNil(t, frame.Message.ExternalTaskID)
	assert.Equal(t, taskID, *frame.Message.ExternalTaskID)
}

func TestLive_UploadEmitsCreationEvent(t *testing.T) {
	h := newAPIHarness(t)
	ws := dialLive(t, h)
	require.Eventually(t, func() bool { return h.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec := h.do(t, multipartRequest(t, "file", "reviews.csv", []byte(sampleCSV)))
	require.Equal(t, 201, rec.Code)
	id := decodeBody[createJobResponse](t, rec).ID

	var frame eventFrame
	require.NoError(t, websocket.JSON.Receive(ws, &frame))
	assert.Equal(t, model.EventTypeJobCreated, frame.Message.Type)
	assert.Equal(t, id, frame.Message.ID)
	assert.Equal(t, "reviews.csv", frame.Message.FileName)
	assert.NotNil(t, frame.Message.SubmittedAt)
}

func TestLive_PingPong(t *testing.T) {
	h := newAPIHarness(t)
	ws := dialLive(t, h)

	for _, ping := range []string{"ping", `{"type":"ping"}`} {
		require.NoError(t, websocket.Message.Send(ws, ping))
		var frame textFrame
		require.NoError(t, websocket.JSON.Receive(ws, &frame))
		assert.Equal(t, "pong", frame.Message)
	}
}

func TestLive_DisconnectUnsubscribes(t *testing.T) {
	h := newAPIHarness(t)
	ws := dialLive(t, h)
	require.Eventually(t, func() bool { return h.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return h.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestIsPing(t *testing.T) {
	assert.True(t, isPing("ping"))
	assert.True(t, isPing(" PING "))
	assert.True(t, isPing(`{"type":"ping"}`))
	assert.False(t, isPing(`{"type":"subscribe"}`))
	assert.False(t, isPing("pong"))
	assert.False(t, isPing(""))
}
