// Package router turns parsed client lines into operations on the shared
// registry, group directory and call manager, and frames the replies.
// Apart from a lock ordering identity handover, it holds no state of its own.
package router

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/Tyrowin/chatrelay/internal/call"
	"github.com/Tyrowin/chatrelay/internal/group"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/registry"
	"go.uber.org/zap"
)

// Peer is the router's view of one connection: its write side plus the
// identity it has bound, if any.
type Peer interface {
	registry.Sender
	Identity() string
	// Bind sets the identity once; later calls return false.
	Bind(identity string) bool
}

type Router struct {
	log      *zap.Logger
	registry *registry.Registry
	groups   *group.Directory
	calls    *call.Manager
	metrics  *metrics.Metrics

	// lifecycle serializes binding an identity against releasing it, so a
	// departing connection's cleanup never lands on a newer owner's state.
	lifecycle sync.Mutex
}

func New(log *zap.Logger, reg *registry.Registry, groups *group.Directory, calls *call.Manager, m *metrics.Metrics) *Router {
	return &Router{
		log:      logging.OrNop(log),
		registry: reg,
		groups:   groups,
		calls:    calls,
		metrics:  m,
	}
}

// Dispatch handles one inbound line from p. Every failure is answered with a
// SYSTEM line to p; nothing is returned to the caller.
func (r *Router) Dispatch(p Peer, line string) {
	cmd, err := protocol.Parse(line)
	if err != nil {
		r.reject(p, err)
		return
	}
	r.metrics.Command(cmd.Kind.String())

	if cmd.Kind == protocol.Identify {
		r.identify(p, cmd.Target)
		return
	}
	if p.Identity() == "" {
		r.metrics.Rejected("unidentified")
		r.reply(p, "Please identify first with USERNAME:<name>")
		return
	}

	switch cmd.Kind {
	case protocol.JoinGroup:
		r.joinGroup(p, cmd.Target)
	case protocol.GroupMessage:
		r.groupMessage(p, cmd.Target, cmd.Body)
	case protocol.DirectMessage:
		r.directMessage(p, cmd.Target, cmd.Body)
	case protocol.Voice:
		r.voice(p, cmd.Target, cmd.Body)
	case protocol.CallInitiate:
		r.callInitiate(p, cmd.Target)
	case protocol.CallAccept:
		r.callAccept(p, cmd.Target)
	case protocol.CallReject:
		r.callReject(p, cmd.Target)
	case protocol.CallEnd:
		r.callEnd(p, cmd.Target)
	}
}

// Disconnect releases everything p's identity holds: its registry binding,
// its group memberships and its call, whose counterpart is told once.
// A connection that was displaced by a newer one for the same identity
// leaves the identity's state to the new owner.
func (r *Router) Disconnect(p Peer) {
	identity := p.Identity()
	if identity == "" {
		return
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if !r.registry.Unregister(identity, p) {
		r.log.Debug("identity owned by another connection, skipping cleanup",
			zap.String("identity", identity), zap.String("conn_id", p.ID()))
		return
	}
	r.metrics.SetIdentities(r.registry.Count())

	left := r.groups.RemoveMember(identity)
	r.endCallOf(identity, "disconnected")

	r.log.Info("user disconnected",
		zap.String("identity", identity), zap.Strings("groups", left))
}

func (r *Router) reject(p Peer, err error) {
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		r.metrics.Rejected("malformed")
		r.reply(p, "Usage: %s", protocol.UsageOf(err))
	default:
		r.metrics.Rejected("unknown_command")
		r.reply(p, "Invalid command. %s", protocol.Usage)
	}
}

func (r *Router) identify(p Peer, name string) {
	if !validName(name) {
		r.metrics.Rejected("invalid_name")
		r.reply(p, "Invalid username %q: spaces and ':' are not allowed", name)
		return
	}
	if !p.Bind(name) {
		r.reply(p, "You are already identified as %s", p.Identity())
		return
	}

	r.lifecycle.Lock()
	if displaced := r.registry.Register(name, p); displaced != nil {
		displaced.Send(protocol.System("Signed in as %s from another connection; closing this one", name))
		if c, ok := displaced.(io.Closer); ok {
			_ = c.Close()
		}
		// Groups carry over to the new connection; a call it never saw does not.
		r.endCallOf(name, "taken_over")
		r.log.Info("identity taken over",
			zap.String("identity", name), zap.String("previous_conn_id", displaced.ID()))
	}
	r.lifecycle.Unlock()
	r.metrics.SetIdentities(r.registry.Count())
	r.log.Info("user connected", zap.String("identity", name), zap.String("conn_id", p.ID()))
	r.reply(p, "Welcome, %s", name)
}

func (r *Router) joinGroup(p Peer, name string) {
	if !validName(name) {
		r.metrics.Rejected("invalid_name")
		r.reply(p, "Invalid group name %q: ':' is not allowed", name)
		return
	}
	if r.groups.CreateOrJoin(name, p.Identity()) {
		r.log.Info("group created", zap.String("group", name), zap.String("identity", p.Identity()))
	}
	r.reply(p, "You have created/joined the group: %s", name)
}

func (r *Router) groupMessage(p Peer, name, text string) {
	if _, ok := r.groups.Broadcast(name, protocol.GroupText(name, p.Identity(), text)); !ok {
		r.metrics.RelayDropped("group_not_found")
		r.reply(p, "Group %s does not exist", name)
	}
}

func (r *Router) directMessage(p Peer, user, text string) {
	if !r.deliver(user, protocol.DirectText(p.Identity(), text)) {
		r.reply(p, "User %s is not connected", user)
	}
}

// voice relays an audio chunk to a group, or else to a single user. Group
// names win when a user and a group share a name.
func (r *Router) voice(p Peer, target, payload string) {
	line := protocol.VoiceFrom(p.Identity(), payload)
	if r.groups.IsGroup(target) {
		r.groups.Broadcast(target, line, p.Identity())
		return
	}
	if !r.deliver(target, line) {
		r.reply(p, "User or group %s is not available", target)
	}
}

func (r *Router) callInitiate(p Peer, recipient string) {
	caller := p.Identity()
	if recipient == caller {
		r.metrics.CallEvent("self_call")
		r.reply(p, "You cannot call yourself")
		return
	}
	if _, ok := r.registry.Lookup(recipient); !ok {
		r.reply(p, "User %s is not connected", recipient)
		return
	}

	if r.calls.Initiate(caller, recipient) == call.Rejected {
		r.metrics.CallEvent("busy")
		if r.calls.IsInCall(caller) {
			r.reply(p, "You are already in a call")
		} else {
			r.reply(p, "%s is busy in another call", recipient)
		}
		return
	}

	// The recipient may have gone away since the lookup; do not leave the
	// caller holding a pending call nobody can answer.
	if !r.deliver(recipient, protocol.CallRequest(caller)) {
		r.calls.EndWith(caller, recipient)
		r.reply(p, "Could not reach %s", recipient)
		return
	}
	r.metrics.CallEvent("initiated")
	r.recordCalls()
	r.log.Info("call initiated", zap.String("caller", caller), zap.String("recipient", recipient))
	r.reply(p, "Calling %s...", recipient)
}

func (r *Router) callAccept(p Peer, caller string) {
	recipient := p.Identity()
	if _, ok := r.calls.Accept(recipient, caller); !ok {
		r.metrics.CallEvent("accept_mismatch")
		r.reply(p, "No incoming call from %s", caller)
		return
	}
	r.deliver(caller, protocol.CallAccepted(recipient))
	r.metrics.CallEvent("accepted")
	r.recordCalls()
	r.log.Info("call accepted", zap.String("caller", caller), zap.String("recipient", recipient))
	r.reply(p, "Call with %s started", caller)
}

func (r *Router) callReject(p Peer, caller string) {
	recipient := p.Identity()
	if _, ok := r.calls.Reject(recipient, caller); !ok {
		r.metrics.CallEvent("reject_mismatch")
		r.reply(p, "No incoming call from %s", caller)
		return
	}
	r.deliver(caller, protocol.CallRejected(recipient))
	r.metrics.CallEvent("rejected")
	r.recordCalls()
	r.log.Info("call rejected", zap.String("caller", caller), zap.String("recipient", recipient))
	r.reply(p, "You rejected the call from %s", caller)
}

func (r *Router) callEnd(p Peer, other string) {
	identity := p.Identity()
	s, ok := r.calls.EndWith(identity, other)
	if !ok {
		if r.calls.IsInCall(identity) {
			r.reply(p, "You are not in a call with %s", other)
		} else {
			r.reply(p, "You are not in a call")
		}
		return
	}
	r.deliver(s.Other(identity), protocol.CallEnded(identity))
	r.metrics.CallEvent("ended")
	r.recordCalls()
	r.log.Info("call ended", zap.String("by", identity), zap.String("counterpart", other))
	r.reply(p, "Call with %s ended", other)
}

// deliver sends line to identity's live connection and reports whether it
// was queued.
func (r *Router) deliver(identity, line string) bool {
	sender, ok := r.registry.Lookup(identity)
	if !ok {
		r.metrics.RelayDropped("not_connected")
		return false
	}
	if !sender.Send(line) {
		r.metrics.RelayDropped("send_failed")
		return false
	}
	return true
}

// endCallOf terminates identity's pending or active call, if any, and tells
// the counterpart once.
func (r *Router) endCallOf(identity, event string) {
	s, ok := r.calls.End(identity)
	if !ok {
		return
	}
	other := s.Other(identity)
	r.deliver(other, protocol.CallEnded(identity))
	r.metrics.CallEvent(event)
	r.recordCalls()
	r.log.Info("call terminated",
		zap.String("identity", identity), zap.String("counterpart", other), zap.String("reason", event))
}

func (r *Router) reply(p Peer, format string, args ...any) {
	p.Send(protocol.System(format, args...))
}

func (r *Router) recordCalls() {
	r.metrics.SetCalls(r.calls.Stats())
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, ": \t")
}
