package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/aiori-io/aiori/internal/events"
	"github.com/aiori-io/aiori/internal/events/bus"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// setupStream dials a WebSocket client against a live stream hub and
// returns a channel of decoded frames.
func setupStream(t *testing.T) (*Stream, *bus.MemoryBus, *websocket.Conn, chan Frame) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := testLogger(t)
	b := bus.NewMemoryBus(log)
	stream := NewStream(b, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, stream.Start(ctx))

	router := gin.New()
	router.GET("/stream", stream.HandleStream)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	// Frames may arrive batched, newline separated.
	frames := make(chan Frame, 64)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, line := range bytes.Split(data, []byte{'\n'}) {
				if len(line) == 0 {
					continue
				}
				var f Frame
				if json.Unmarshal(line, &f) == nil {
					frames <- f
				}
			}
		}
	}()

	// Broadcasts only reach registered clients.
	require.Eventually(t, func() bool {
		return stream.ClientCount() == 1
	}, time.Second, 5*time.Millisecond)

	return stream, b, conn, frames
}

func nextFrame(t *testing.T, frames chan Frame, timeout time.Duration) (Frame, bool) {
	t.Helper()
	select {
	case f, ok := <-frames:
		return f, ok
	case <-time.After(timeout):
		return Frame{}, false
	}
}

func stateMessage(workflowID string) []byte {
	return []byte(fmt.Sprintf(
		`{"agent_id":"agent-1","module_name":"echo","state":"RUNNING","workflow_id":%q}`,
		workflowID))
}

func TestStreamForwardsDiagnostics(t *testing.T) {
	_, b, _, frames := setupStream(t)
	ctx := context.Background()

	payload := []byte(`{"message":"Started module","name":"echo","agent_id":"agent-1"}`)
	require.NoError(t, b.Publish(ctx, events.SubjectNotifications, payload))

	f, ok := nextFrame(t, frames, 2*time.Second)
	require.True(t, ok, "expected a notification frame")
	require.Equal(t, events.SubjectNotifications, f.Subject)
	require.JSONEq(t, string(payload), string(f.Payload))

	require.NoError(t, b.Publish(ctx, events.SubjectErrors,
		[]byte(`{"agent_id":"agent-1","module":"echo","error":"boom"}`)))

	f, ok = nextFrame(t, frames, 2*time.Second)
	require.True(t, ok, "expected a crash report frame")
	require.Equal(t, events.SubjectErrors, f.Subject)
}

func TestStreamWorkflowFilter(t *testing.T) {
	_, b, conn, frames := setupStream(t)
	ctx := context.Background()

	require.NoError(t, conn.WriteJSON(SubscriptionMessage{
		Action:      "subscribe",
		WorkflowIDs: []string{"wf-keep"},
	}))
	// Let the read pump apply the filter before publishing. A late
	// filter shows up as the skip frame arriving, which fails below.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, events.SubjectModuleState, stateMessage("wf-skip")))
	require.NoError(t, b.Publish(ctx, events.SubjectModuleState, stateMessage("wf-keep")))

	f, ok := nextFrame(t, frames, 2*time.Second)
	require.True(t, ok, "expected a state frame")
	require.Equal(t, events.SubjectModuleState, f.Subject)
	var st v1.ModuleState
	require.NoError(t, json.Unmarshal(f.Payload, &st))
	require.Equal(t, "wf-keep", st.WorkflowID)

	// Notifications and crash reports bypass the filter.
	require.NoError(t, b.Publish(ctx, events.SubjectErrors,
		[]byte(`{"agent_id":"agent-1","module":"echo","error":"boom"}`)))
	f, ok = nextFrame(t, frames, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, events.SubjectErrors, f.Subject)

	// Unsubscribing restores the pass-everything default.
	require.NoError(t, conn.WriteJSON(SubscriptionMessage{
		Action:      "unsubscribe",
		WorkflowIDs: []string{"wf-keep"},
	}))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, events.SubjectModuleState, stateMessage("wf-skip")))
	f, ok = nextFrame(t, frames, 2*time.Second)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(f.Payload, &st))
	require.Equal(t, "wf-skip", st.WorkflowID)
}

func TestStreamClientFilterLogic(t *testing.T) {
	c := &streamClient{workflows: make(map[string]bool)}

	notif := &streamFrame{subject: events.SubjectNotifications}
	keep := &streamFrame{subject: events.SubjectModuleState, workflowID: "wf-1"}
	other := &streamFrame{subject: events.SubjectModuleState, workflowID: "wf-2"}
	lifecycle := &streamFrame{subject: events.SubjectModuleState}

	require.True(t, c.wants(notif))
	require.True(t, c.wants(keep), "empty filter passes everything")
	require.True(t, c.wants(lifecycle))

	c.workflows["wf-1"] = true
	require.True(t, c.wants(keep))
	require.False(t, c.wants(other))
	require.False(t, c.wants(lifecycle), "filtered clients skip lifecycle states")
	require.True(t, c.wants(notif), "only state frames are filtered")
}

func TestStreamDisconnectUnregisters(t *testing.T) {
	stream, _, conn, _ := setupStream(t)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return stream.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
