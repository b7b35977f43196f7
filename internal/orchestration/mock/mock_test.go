package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/legion/internal/orchestration/client"
)

func TestAdapter_Lifecycle(t *testing.T) {
	var active bool
	var upstream string
	var payloads []map[string]any

	a := New(client.AdapterConfig{
		SessionID:    "s1",
		OnActive:     func() { active = true },
		OnUpstreamID: func(id string) { upstream = id },
		OnMessage:    func(p map[string]any) { payloads = append(payloads, p) },
	})

	require.True(t, a.Start(context.Background()))
	require.True(t, active)
	require.Equal(t, "mock-s1", upstream)

	// Second start is refused.
	require.False(t, a.Start(context.Background()))

	require.True(t, a.SendMessage(context.Background(), "hi"))
	require.Equal(t, []string{"hi"}, a.Sent())
	require.Len(t, payloads, 2) // assistant echo + result

	a.Terminate()
	a.Terminate() // idempotent
	require.True(t, a.Terminated())
	require.False(t, a.SendMessage(context.Background(), "after terminate"))
}

func TestAdapter_StartFailure(t *testing.T) {
	a := New(client.AdapterConfig{}).WithStartFailure()
	require.False(t, a.Start(context.Background()))
}

func TestAdapter_SendFailure(t *testing.T) {
	var gotErr error
	a := New(client.AdapterConfig{
		OnError: func(err error, fatal bool) {
			gotErr = err
			require.False(t, fatal)
		},
	}).WithSendFailure()

	require.True(t, a.Start(context.Background()))
	require.False(t, a.SendMessage(context.Background(), "x"))
	require.Error(t, gotErr)
}

func TestAdapter_CustomResponder(t *testing.T) {
	var payloads []map[string]any
	a := New(client.AdapterConfig{
		OnMessage: func(p map[string]any) { payloads = append(payloads, p) },
	}).WithResponder(func(content string) []map[string]any {
		return []map[string]any{{"type": "thinking", "thinking": "about " + content}}
	})

	require.True(t, a.Start(context.Background()))
	require.True(t, a.SendMessage(context.Background(), "life"))
	require.Len(t, payloads, 1)
	require.Equal(t, "about life", payloads[0]["thinking"])
}

func TestAdapter_RegisteredWithFactory(t *testing.T) {
	adapter, err := client.NewAdapter(client.AdapterMock, client.AdapterConfig{SessionID: "s1"})
	require.NoError(t, err)
	require.True(t, adapter.Start(context.Background()))
}
