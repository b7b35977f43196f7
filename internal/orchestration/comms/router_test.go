package comms

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/legion/internal/orchestration/minion"
	"github.com/zjrosen/legion/internal/orchestration/session"
	"github.com/zjrosen/legion/internal/orchestration/storage"
	"github.com/zjrosen/legion/internal/tracing"
)

type fakeDeliverer struct {
	delivered []string // "<sessionID>:<content>"
	failFor   map[string]error
}

func (d *fakeDeliverer) DeliverToMinion(_ context.Context, sessionID, content string) error {
	if err := d.failFor[sessionID]; err != nil {
		return err
	}
	d.delivered = append(d.delivered, sessionID+":"+content)
	return nil
}

func newTestRouter(t *testing.T) (*Router, *session.Manager, *fakeDeliverer, storage.Layout) {
	t.Helper()
	layout := storage.NewLayout(t.TempDir())
	sessions := session.NewManager(layout)
	deliverer := &fakeDeliverer{failFor: map[string]error{}}
	return NewRouter(layout, sessions, deliverer), sessions, deliverer, layout
}

func createMinion(t *testing.T, sessions *session.Manager, name, legionID string) string {
	t.Helper()
	rec, err := sessions.Create(minion.SessionConfig{
		Name:       name,
		WorkingDir: "/tmp",
		LegionID:   legionID,
	})
	require.NoError(t, err)
	return rec.SessionID.String()
}

func readComms(t *testing.T, path string) []Comm {
	t.Helper()
	entries, skipped, err := storage.ReadJSONLines[Comm](path, 0, 0)
	require.NoError(t, err)
	require.Zero(t, skipped)
	return entries
}

func TestComm_Validate(t *testing.T) {
	tests := []struct {
		name  string
		comm  Comm
		valid bool
	}{
		{"user to minion", Comm{FromUser: true, ToMinionID: "m1"}, true},
		{"minion to user", Comm{FromMinionID: "m1", ToUser: true}, true},
		{"minion to minion", Comm{FromMinionID: "m1", ToMinionID: "m2"}, true},
		{"minion to channel", Comm{FromMinionID: "m1", ToChannelID: "c1"}, true},

		{"no source", Comm{ToMinionID: "m1"}, false},
		{"no destination", Comm{FromUser: true}, false},
		{"two sources", Comm{FromUser: true, FromMinionID: "m1", ToUser: true}, false},
		{"two destinations", Comm{FromUser: true, ToUser: true, ToMinionID: "m1"}, false},
		{"all destinations", Comm{FromUser: true, ToUser: true, ToMinionID: "m1", ToChannelID: "c"}, false},
		{"empty", Comm{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.comm.Validate()
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidComm)
			}
		})
	}
}

func TestRouter_RejectedCommIsNeverPersisted(t *testing.T) {
	router, sessions, deliverer, layout := newTestRouter(t)
	id := createMinion(t, sessions, "worker", "")

	comm := New(TypeTask, "do it")
	comm.FromUser = true
	// No destination set.
	require.ErrorIs(t, router.Route(context.Background(), comm), ErrInvalidComm)

	_, err := os.Stat(layout.CommsPath(id))
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Empty(t, deliverer.delivered)
}

func TestRouter_UserToMinion(t *testing.T) {
	router, sessions, deliverer, layout := newTestRouter(t)
	id := createMinion(t, sessions, "worker", "")

	comm := New(TypeTask, "review the patch")
	comm.FromUser = true
	comm.ToMinionID = id
	require.NoError(t, router.Route(context.Background(), comm))

	require.Equal(t, []string{id + ":review the patch"}, deliverer.delivered)

	persisted := readComms(t, layout.CommsPath(id))
	require.Len(t, persisted, 1)
	require.Equal(t, comm.CommID, persisted[0].CommID)
	require.Equal(t, TypeTask, persisted[0].Type)
}

func TestRouter_StampsTraceID(t *testing.T) {
	router, sessions, _, layout := newTestRouter(t)
	id := createMinion(t, sessions, "worker", "")

	comm := New(TypeTask, "first")
	comm.FromUser = true
	comm.ToMinionID = id
	require.NoError(t, router.Route(context.Background(), comm))

	persisted := readComms(t, layout.CommsPath(id))
	require.Len(t, persisted, 1)
	require.Len(t, persisted[0].TraceID, 32, "router must generate a trace ID when none is present")

	// A trace ID carried by the context wins over generation.
	ctx := tracing.ContextWithTraceID(context.Background(), "11112222333344445555666677778888")
	comm = New(TypeTask, "second")
	comm.FromUser = true
	comm.ToMinionID = id
	require.NoError(t, router.Route(ctx, comm))

	persisted = readComms(t, layout.CommsPath(id))
	require.Len(t, persisted, 2)
	require.Equal(t, "11112222333344445555666677778888", persisted[1].TraceID)
}

func TestRouter_MinionToMinionPersistsBothEndpoints(t *testing.T) {
	router, sessions, _, layout := newTestRouter(t)
	src := createMinion(t, sessions, "alpha", "")
	dst := createMinion(t, sessions, "beta", "")

	comm := New(TypeQuestion, "what is the schema?")
	comm.FromMinionID = src
	comm.ToMinionID = dst
	require.NoError(t, router.Route(context.Background(), comm))

	require.Len(t, readComms(t, layout.CommsPath(src)), 1)
	require.Len(t, readComms(t, layout.CommsPath(dst)), 1)
}

func TestRouter_UnknownDestination(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	comm := New(TypeTask, "hello")
	comm.FromUser = true
	comm.ToMinionID = "does-not-exist"
	require.ErrorIs(t, router.Route(context.Background(), comm), ErrInvalidComm)
}

func TestRouter_MinionToUser(t *testing.T) {
	router, sessions, _, layout := newTestRouter(t)
	id := createMinion(t, sessions, "worker", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := router.UserBroker().Subscribe(ctx)

	comm := New(TypeReport, "done")
	comm.FromMinionID = id
	comm.ToUser = true
	require.NoError(t, router.Route(context.Background(), comm))

	require.Len(t, readComms(t, layout.CommsPath(id)), 1)

	select {
	case ev := <-events:
		require.Equal(t, comm.CommID, ev.Payload.CommID)
	case <-time.After(time.Second):
		t.Fatal("no user comm received")
	}
}

func TestRouter_UserEndpointMirroredToLegionLog(t *testing.T) {
	router, sessions, _, layout := newTestRouter(t)
	id := createMinion(t, sessions, "worker", "legion-1")

	comm := New(TypeReport, "status")
	comm.FromMinionID = id
	comm.ToUser = true
	require.NoError(t, router.Route(context.Background(), comm))

	mirror := readComms(t, layout.LegionCommsPath("legion-1", id))
	require.Len(t, mirror, 1)
	require.Equal(t, comm.CommID, mirror[0].CommID)
}

func TestRouter_UserToMinionMirroredToLegionLog(t *testing.T) {
	router, sessions, _, layout := newTestRouter(t)
	id := createMinion(t, sessions, "worker", "legion-1")

	comm := New(TypeTask, "ship it")
	comm.FromUser = true
	comm.ToMinionID = id
	require.NoError(t, router.Route(context.Background(), comm))

	mirror := readComms(t, layout.LegionCommsPath("legion-1", id))
	require.Len(t, mirror, 1)
	require.Equal(t, comm.CommID, mirror[0].CommID)

	// Minion-to-minion traffic stays out of the legion log.
	peer := createMinion(t, sessions, "peer", "legion-1")
	m2m := New(TypeQuestion, "eta?")
	m2m.FromMinionID = peer
	m2m.ToMinionID = id
	require.NoError(t, router.Route(context.Background(), m2m))
	require.Len(t, readComms(t, layout.LegionCommsPath("legion-1", id)), 1)
}

func TestRouter_ChannelFanOutSkipsSender(t *testing.T) {
	router, sessions, deliverer, layout := newTestRouter(t)
	sender := createMinion(t, sessions, "alpha", "legion-1")
	member := createMinion(t, sessions, "beta", "legion-1")
	createMinion(t, sessions, "outsider", "legion-2")

	comm := New(TypeBroadcast, "standup in 5")
	comm.FromMinionID = sender
	comm.ToChannelID = "legion-1"
	require.NoError(t, router.Route(context.Background(), comm))

	require.Equal(t, []string{member + ":standup in 5"}, deliverer.delivered)
	require.Len(t, readComms(t, layout.CommsPath(sender)), 1)
	require.Len(t, readComms(t, layout.CommsPath(member)), 1)
}

func TestRouter_EmptyChannelIsNoOp(t *testing.T) {
	router, _, deliverer, _ := newTestRouter(t)

	comm := New(TypeBroadcast, "anyone?")
	comm.FromUser = true
	comm.ToChannelID = "ghost-town"
	require.NoError(t, router.Route(context.Background(), comm))
	require.Empty(t, deliverer.delivered)
}

func TestRouter_DeliveryFailureKeepsAuditTrail(t *testing.T) {
	router, sessions, deliverer, layout := newTestRouter(t)
	src := createMinion(t, sessions, "alpha", "")
	dst := createMinion(t, sessions, "beta", "")
	deliverer.failFor[dst] = errors.New("adapter down")

	comm := New(TypeTask, "try me")
	comm.FromMinionID = src
	comm.ToMinionID = dst
	require.Error(t, router.Route(context.Background(), comm))

	// Both appends happened before the delivery attempt failed.
	require.Len(t, readComms(t, layout.CommsPath(src)), 1)
	require.Len(t, readComms(t, layout.CommsPath(dst)), 1)
}
