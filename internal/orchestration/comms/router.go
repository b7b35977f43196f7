package comms

import (
	"context"
	"fmt"

	"github.com/zjrosen/legion/internal/log"
	"github.com/zjrosen/legion/internal/orchestration/minion"
	"github.com/zjrosen/legion/internal/orchestration/session"
	"github.com/zjrosen/legion/internal/orchestration/storage"
	"github.com/zjrosen/legion/internal/pubsub"
	"github.com/zjrosen/legion/internal/tracing"
)

// Deliverer is the coordinator's send path. DeliverToMinion must auto-start
// the destination session if it is not active before sending.
type Deliverer interface {
	DeliverToMinion(ctx context.Context, sessionID, content string) error
}

// Router validates, persists, and delivers Comm envelopes. Persistence is
// an audit trail, not a transaction: a delivery failure at one endpoint
// never rolls back the append at the other.
type Router struct {
	layout    storage.Layout
	sessions  *session.Manager
	deliverer Deliverer

	// userBroker carries user-destined comms to front-end consumers.
	userBroker *pubsub.Broker[Comm]
}

// NewRouter wires a router over the session manager and the coordinator's
// send path.
func NewRouter(layout storage.Layout, sessions *session.Manager, deliverer Deliverer) *Router {
	return &Router{
		layout:     layout,
		sessions:   sessions,
		deliverer:  deliverer,
		userBroker: pubsub.NewBroker[Comm](),
	}
}

// UserBroker exposes the stream of comms addressed to the user.
func (r *Router) UserBroker() *pubsub.Broker[Comm] {
	return r.userBroker
}

// Route validates and dispatches one Comm. Rejected comms are never
// persisted. Returns the first delivery error, after all persistence and
// remaining deliveries have been attempted.
func (r *Router) Route(ctx context.Context, comm Comm) error {
	if err := comm.Validate(); err != nil {
		log.Warn(log.CatComms, "Rejected comm",
			"commID", comm.CommID, "error", err.Error())
		return err
	}

	if comm.TraceID == "" {
		if id := tracing.TraceIDFromContext(ctx); id != "" {
			comm.TraceID = id
		} else {
			comm.TraceID = tracing.GenerateTraceID()
		}
	}

	switch {
	case comm.ToUser:
		return r.routeToUser(comm)
	case comm.ToMinionID != "":
		return r.routeToMinion(ctx, comm)
	default:
		return r.routeToChannel(ctx, comm)
	}
}

// routeToUser persists at the source minion (plus the legion mirror when
// the minion is in a legion) and publishes on the user broker.
func (r *Router) routeToUser(comm Comm) error {
	if comm.FromMinionID != "" {
		r.persistFor(comm.FromMinionID, comm, true)
	}

	r.userBroker.Publish(pubsub.CreatedEvent, comm)
	log.Debug(log.CatComms, "Delivered comm to user",
		"commID", comm.CommID, "from", comm.FromMinionID)
	return nil
}

// routeToMinion persists at both minion endpoints, then hands the content
// to the coordinator's send path. When the comm comes from the user the
// destination copy also lands in the legion log.
func (r *Router) routeToMinion(ctx context.Context, comm Comm) error {
	rec, ok := r.sessions.Get(comm.ToMinionID)
	if !ok {
		return fmt.Errorf("%w: destination minion %s not found", ErrInvalidComm, comm.ToMinionID)
	}

	if comm.FromMinionID != "" {
		r.persistFor(comm.FromMinionID, comm, false)
	}
	r.persistFor(comm.ToMinionID, comm, comm.FromUser)

	if err := r.deliverer.DeliverToMinion(ctx, rec.SessionID.String(), comm.Content); err != nil {
		log.ErrorErr(log.CatComms, "Comm delivery failed", err,
			"commID", comm.CommID, "to", comm.ToMinionID)
		return fmt.Errorf("deliver comm %s: %w", comm.CommID, err)
	}

	log.Debug(log.CatComms, "Delivered comm to minion",
		"commID", comm.CommID, "to", comm.ToMinionID, "type", string(comm.Type))
	return nil
}

// routeToChannel fans out to every member of the legion named by the
// channel ID. Each member gets its own persisted copy and delivery
// attempt; the first error is reported after all members were tried.
func (r *Router) routeToChannel(ctx context.Context, comm Comm) error {
	members := r.channelMembers(comm.ToChannelID)
	if len(members) == 0 {
		log.Warn(log.CatComms, "Channel has no members",
			"commID", comm.CommID, "channel", comm.ToChannelID)
		return nil
	}

	if comm.FromMinionID != "" {
		r.persistFor(comm.FromMinionID, comm, false)
	}

	var firstErr error
	for _, member := range members {
		memberID := member.SessionID.String()
		if memberID == comm.FromMinionID {
			continue
		}
		r.persistFor(memberID, comm, comm.FromUser)
		if err := r.deliverer.DeliverToMinion(ctx, memberID, comm.Content); err != nil {
			log.ErrorErr(log.CatComms, "Channel fan-out delivery failed", err,
				"commID", comm.CommID, "member", memberID)
			if firstErr == nil {
				firstErr = fmt.Errorf("deliver comm %s to %s: %w", comm.CommID, memberID, err)
			}
		}
	}
	return firstErr
}

// channelMembers resolves a channel ID to the sessions whose legion
// matches it.
func (r *Router) channelMembers(channelID string) []*minion.Record {
	var members []*minion.Record
	for _, rec := range r.sessions.List() {
		if rec.LegionID == channelID {
			members = append(members, rec)
		}
	}
	return members
}

// persistFor appends the comm to one minion's comms.jsonl. User-endpoint
// comms are mirrored to the legion-scoped log when the minion belongs to a
// legion. Append failures are logged, never fatal.
func (r *Router) persistFor(minionID string, comm Comm, userEndpoint bool) {
	if err := storage.AppendJSONLine(r.layout.CommsPath(minionID), comm); err != nil {
		log.ErrorErr(log.CatComms, "Failed to append comm", err,
			"commID", comm.CommID, "minionID", minionID)
	}

	if !userEndpoint {
		return
	}
	rec, ok := r.sessions.Get(minionID)
	if !ok || rec.LegionID == "" {
		return
	}
	if err := storage.AppendJSONLine(r.layout.LegionCommsPath(rec.LegionID, minionID), comm); err != nil {
		log.ErrorErr(log.CatComms, "Failed to append legion comm", err,
			"commID", comm.CommID, "minionID", minionID, "legionID", rec.LegionID)
	}
}
