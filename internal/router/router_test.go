package router

import (
	"fmt"
	"sync"
	"testing"

	"github.com/Tyrowin/chatrelay/internal/call"
	"github.com/Tyrowin/chatrelay/internal/group"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakePeer struct {
	mu       sync.Mutex
	id       string
	identity string
	lines    []string
	closed   bool
	full     bool
}

func newPeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(line string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.full {
		return false
	}
	p.lines = append(p.lines, line)
	return true
}

func (p *fakePeer) Identity() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

func (p *fakePeer) Bind(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.identity != "" {
		return false
	}
	p.identity = identity
	return true
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// drain returns and clears the lines received so far.
func (p *fakePeer) drain() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	lines := p.lines
	p.lines = nil
	return lines
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fixture struct {
	conns    int
	router   *Router
	registry *registry.Registry
	groups   *group.Directory
	calls    *call.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.NewRegistry()
	groups := group.NewDirectory(reg)
	calls := call.NewManager()
	m := metrics.New(prometheus.NewRegistry())
	return &fixture{
		router:   New(zaptest.NewLogger(t), reg, groups, calls, m),
		registry: reg,
		groups:   groups,
		calls:    calls,
	}
}

// login connects a peer, identifies it and discards the welcome line.
func (f *fixture) login(t *testing.T, name string) *fakePeer {
	t.Helper()
	f.conns++
	p := newPeer(fmt.Sprintf("conn-%s-%d", name, f.conns))
	f.router.Dispatch(p, "USERNAME:"+name)
	require.Equal(t, []string{"SYSTEM: Welcome, " + name}, p.drain())
	return p
}

func TestRouter_Identify(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	p := newPeer("c1")

	f.router.Dispatch(p, "USERNAME:alice")

	req.Equal("alice", p.Identity())
	req.Equal([]string{"SYSTEM: Welcome, alice"}, p.drain())
	got, ok := f.registry.Lookup("alice")
	req.True(ok)
	req.Equal(p, got)

	// A second identification is refused
	f.router.Dispatch(p, "USERNAME:mallory")
	req.Equal([]string{"SYSTEM: You are already identified as alice"}, p.drain())
	_, ok = f.registry.Lookup("mallory")
	req.False(ok)
}

func TestRouter_Identify_InvalidName(t *testing.T) {
	f := newFixture(t)
	p := newPeer("c1")

	f.router.Dispatch(p, "USERNAME:al:ice")

	require.Empty(t, p.Identity())
	require.Equal(t, []string{`SYSTEM: Invalid username "al:ice": spaces and ':' are not allowed`}, p.drain())
}

func TestRouter_Identify_TakeoverClosesDisplaced(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	old := f.login(t, "alice")
	f.router.Dispatch(old, "/group devs")
	old.drain()

	// When alice signs in again elsewhere
	fresh := f.login(t, "alice")

	// Then the old connection is told and closed
	req.Equal([]string{"SYSTEM: Signed in as alice from another connection; closing this one"}, old.drain())
	req.True(old.isClosed())
	got, _ := f.registry.Lookup("alice")
	req.Equal(fresh, got)

	// And its late teardown does not evict the new owner
	f.router.Disconnect(old)
	got, ok := f.registry.Lookup("alice")
	req.True(ok)
	req.Equal(fresh, got)
	req.Equal([]string{"alice"}, f.groups.Members("devs"))
}

func TestRouter_Identify_TakeoverEndsCall(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	old := f.login(t, "alice")
	bob := f.login(t, "bob")
	f.router.Dispatch(old, "CALL_INITIATE:bob")
	f.router.Dispatch(bob, "CALL_ACCEPT:alice")
	old.drain()
	bob.drain()

	// When alice signs in again elsewhere during the call
	fresh := f.login(t, "alice")

	// Then bob is told the call ended, exactly once
	req.Equal([]string{"CALL_ENDED:alice"}, bob.drain())
	req.False(f.calls.IsInCall("alice"))
	req.False(f.calls.IsInCall("bob"))

	// And the displaced connection's teardown adds nothing
	f.router.Disconnect(old)
	req.Empty(bob.drain())

	// And the new connection is free to place calls
	carol := f.login(t, "carol")
	f.router.Dispatch(fresh, "CALL_INITIATE:carol")
	req.Equal([]string{"SYSTEM: Calling carol..."}, fresh.drain())
	req.Equal([]string{"CALL_REQUEST:alice"}, carol.drain())
}

func TestRouter_Identify_TakeoverEndsPendingCall(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	bob := f.login(t, "bob")
	old := f.login(t, "alice")
	f.router.Dispatch(bob, "CALL_INITIATE:alice")
	bob.drain()
	old.drain()

	f.login(t, "alice")

	req.Equal([]string{"CALL_ENDED:alice"}, bob.drain())
	_, ok := f.calls.PendingSession("bob")
	req.False(ok)
}

func TestRouter_TakeoverRacingTeardownKeepsNewOwnerState(t *testing.T) {
	for i := range 200 {
		req := require.New(t)
		f := newFixture(t)
		old := f.login(t, "alice")
		bob := f.login(t, "bob")
		f.login(t, "carol")
		f.router.Dispatch(old, "/group devs")
		f.router.Dispatch(old, "CALL_INITIATE:bob")
		f.router.Dispatch(bob, "CALL_ACCEPT:alice")
		bob.drain()
		fresh := newPeer(fmt.Sprintf("conn-alice-fresh-%d", i))

		// Given the old connection tearing down while a new one claims alice,
		// joins a group and starts a call
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.router.Disconnect(old)
		}()
		go func() {
			defer wg.Done()
			f.router.Dispatch(fresh, "USERNAME:alice")
			f.router.Dispatch(fresh, "/group ops")
			f.router.Dispatch(fresh, "CALL_INITIATE:carol")
		}()
		wg.Wait()

		// Then the new owner keeps everything it set up
		got, ok := f.registry.Lookup("alice")
		req.True(ok)
		req.Equal(fresh, got)
		req.Equal([]string{"alice"}, f.groups.Members("ops"), "iteration %d", i)
		s, ok := f.calls.PendingSession("alice")
		req.True(ok, "iteration %d", i)
		req.Equal("carol", s.Recipient)

		// And the old call was ended exactly once
		req.Equal([]string{"CALL_ENDED:alice"}, bob.drain(), "iteration %d", i)
	}
}

func TestRouter_RequiresIdentity(t *testing.T) {
	f := newFixture(t)
	p := newPeer("c1")

	for _, line := range []string{"/group devs", "/dm bob hi", "CALL_INITIATE:bob", "VOICE:bob:AAAA"} {
		f.router.Dispatch(p, line)
		require.Equal(t, []string{"SYSTEM: Please identify first with USERNAME:<name>"}, p.drain(), line)
	}
	require.False(t, f.groups.IsGroup("devs"))
}

func TestRouter_MalformedAndUnknown(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.login(t, "alice")

	f.router.Dispatch(alice, "/dm bob")
	req.Equal([]string{"SYSTEM: Usage: /dm <user> <text>"}, alice.drain())

	f.router.Dispatch(alice, "hello everyone")
	lines := alice.drain()
	req.Len(lines, 1)
	req.Contains(lines[0], "SYSTEM: Invalid command.")
}

func TestRouter_GroupFanOut(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")
	carol := f.login(t, "carol")

	f.router.Dispatch(alice, "/group devs")
	f.router.Dispatch(bob, "/group devs")
	req.Equal([]string{"SYSTEM: You have created/joined the group: devs"}, alice.drain())
	req.Equal([]string{"SYSTEM: You have created/joined the group: devs"}, bob.drain())

	f.router.Dispatch(alice, "/message devs hello team")

	req.Equal([]string{"[devs] alice: hello team"}, alice.drain())
	req.Equal([]string{"[devs] alice: hello team"}, bob.drain())
	req.Empty(carol.drain())
}

func TestRouter_GroupMessage_UnknownGroup(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")

	f.router.Dispatch(alice, "/message nope hi")

	require.Equal(t, []string{"SYSTEM: Group nope does not exist"}, alice.drain())
}

func TestRouter_DirectMessage(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	f.router.Dispatch(alice, "/dm bob are you there?")
	req.Equal([]string{"[DM] alice: are you there?"}, bob.drain())
	req.Empty(alice.drain())

	f.router.Dispatch(alice, "/dm carol hi")
	req.Equal([]string{"SYSTEM: User carol is not connected"}, alice.drain())
}

func TestRouter_DirectMessage_FIFOPerSender(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	var want []string
	for i := 0; i < 20; i++ {
		f.router.Dispatch(alice, fmt.Sprintf("/dm bob msg-%d", i))
		want = append(want, fmt.Sprintf("[DM] alice: msg-%d", i))
	}

	require.Equal(t, want, bob.drain())
}

func TestRouter_Voice_ToUser(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	f.router.Dispatch(alice, "VOICE:bob:AAEC/w==")
	req.Equal([]string{"VOICE:alice:AAEC/w=="}, bob.drain())
	req.Empty(alice.drain())

	f.router.Dispatch(alice, "VOICE:ghost:AAAA")
	req.Equal([]string{"SYSTEM: User or group ghost is not available"}, alice.drain())
}

func TestRouter_Voice_GroupWinsOverUser(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")
	team := f.login(t, "team")

	f.router.Dispatch(bob, "/group team")
	bob.drain()

	f.router.Dispatch(alice, "VOICE:team:AAAA")

	req.Equal([]string{"VOICE:alice:AAAA"}, bob.drain())
	req.Empty(team.drain())
	req.Empty(alice.drain())
}

func TestRouter_Voice_GroupSkipsSender(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")
	f.router.Dispatch(alice, "/group devs")
	f.router.Dispatch(bob, "/group devs")
	alice.drain()
	bob.drain()

	f.router.Dispatch(alice, "VOICE:devs:AAAA")

	require.Empty(t, alice.drain())
	require.Equal(t, []string{"VOICE:alice:AAAA"}, bob.drain())
}

func TestRouter_CallScenario(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	// alice calls bob
	f.router.Dispatch(alice, "CALL_INITIATE:bob")
	req.Equal([]string{"SYSTEM: Calling bob..."}, alice.drain())
	req.Equal([]string{"CALL_REQUEST:alice"}, bob.drain())
	_, pending := f.calls.PendingSession("alice")
	req.True(pending)

	// bob accepts
	f.router.Dispatch(bob, "CALL_ACCEPT:alice")
	req.Equal([]string{"CALL_ACCEPTED:bob"}, alice.drain())
	req.Equal([]string{"SYSTEM: Call with alice started"}, bob.drain())
	_, active := f.calls.ActiveSession("bob")
	req.True(active)

	// voice chunks flow both ways
	f.router.Dispatch(alice, "VOICE:bob:AAAA")
	f.router.Dispatch(bob, "VOICE:alice:BBBB")
	req.Equal([]string{"VOICE:alice:AAAA"}, bob.drain())
	req.Equal([]string{"VOICE:bob:BBBB"}, alice.drain())

	// alice ends it
	f.router.Dispatch(alice, "CALL_END:bob")
	req.Equal([]string{"SYSTEM: Call with bob ended"}, alice.drain())
	req.Equal([]string{"CALL_ENDED:alice"}, bob.drain())
	req.False(f.calls.IsInCall("alice"))
	req.False(f.calls.IsInCall("bob"))

	// ending again is a no-op with no second notification
	f.router.Dispatch(alice, "CALL_END:bob")
	req.Equal([]string{"SYSTEM: You are not in a call"}, alice.drain())
	req.Empty(bob.drain())
}

func TestRouter_CallInitiate_Failures(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")
	carol := f.login(t, "carol")

	f.router.Dispatch(alice, "CALL_INITIATE:alice")
	req.Equal([]string{"SYSTEM: You cannot call yourself"}, alice.drain())
	req.False(f.calls.IsInCall("alice"))

	f.router.Dispatch(alice, "CALL_INITIATE:ghost")
	req.Equal([]string{"SYSTEM: User ghost is not connected"}, alice.drain())

	f.router.Dispatch(alice, "CALL_INITIATE:bob")
	alice.drain()
	bob.drain()

	f.router.Dispatch(carol, "CALL_INITIATE:bob")
	req.Equal([]string{"SYSTEM: bob is busy in another call"}, carol.drain())
	req.Empty(bob.drain())

	f.router.Dispatch(alice, "CALL_INITIATE:carol")
	req.Equal([]string{"SYSTEM: You are already in a call"}, alice.drain())
	req.Empty(carol.drain())
}

func TestRouter_CallInitiate_UnreachableRecipientCancels(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")
	bob.full = true

	f.router.Dispatch(alice, "CALL_INITIATE:bob")

	require.Equal(t, []string{"SYSTEM: Could not reach bob"}, alice.drain())
	require.False(t, f.calls.IsInCall("alice"))
	require.False(t, f.calls.IsInCall("bob"))
}

func TestRouter_CallAccept_RequiresMatchingPending(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")
	carol := f.login(t, "carol")

	f.router.Dispatch(alice, "CALL_INITIATE:bob")
	alice.drain()
	bob.drain()

	// carol tries to hijack the call
	f.router.Dispatch(carol, "CALL_ACCEPT:alice")
	req.Equal([]string{"SYSTEM: No incoming call from alice"}, carol.drain())
	req.Empty(alice.drain())

	// bob names the wrong caller
	f.router.Dispatch(bob, "CALL_ACCEPT:carol")
	req.Equal([]string{"SYSTEM: No incoming call from carol"}, bob.drain())

	_, pending := f.calls.PendingSession("bob")
	req.True(pending)
	_, active := f.calls.ActiveSession("bob")
	req.False(active)
}

func TestRouter_CallReject(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	f.router.Dispatch(alice, "CALL_INITIATE:bob")
	alice.drain()
	bob.drain()

	f.router.Dispatch(bob, "CALL_REJECT:alice")
	req.Equal([]string{"CALL_REJECTED:bob"}, alice.drain())
	req.Equal([]string{"SYSTEM: You rejected the call from alice"}, bob.drain())
	req.False(f.calls.IsInCall("alice"))

	f.router.Dispatch(bob, "CALL_REJECT:alice")
	req.Equal([]string{"SYSTEM: No incoming call from alice"}, bob.drain())
}

func TestRouter_CallEnd_CallerCancelsPending(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	f.router.Dispatch(alice, "CALL_INITIATE:bob")
	alice.drain()
	bob.drain()

	f.router.Dispatch(alice, "CALL_END:bob")

	require.Equal(t, []string{"CALL_ENDED:alice"}, bob.drain())
	require.False(t, f.calls.IsInCall("bob"))
}

func TestRouter_CallEnd_WrongCounterpart(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	f.router.Dispatch(alice, "CALL_INITIATE:bob")
	f.router.Dispatch(bob, "CALL_ACCEPT:alice")
	alice.drain()
	bob.drain()

	f.router.Dispatch(alice, "CALL_END:carol")

	require.Equal(t, []string{"SYSTEM: You are not in a call with carol"}, alice.drain())
	require.Empty(t, bob.drain())
	require.True(t, f.calls.IsInCall("bob"))
}

func TestRouter_Disconnect_Cleanup(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	// Given alice is in group devs and in an active call with bob
	f.router.Dispatch(alice, "/group devs")
	f.router.Dispatch(bob, "/group devs")
	f.router.Dispatch(alice, "CALL_INITIATE:bob")
	f.router.Dispatch(bob, "CALL_ACCEPT:alice")
	alice.drain()
	bob.drain()

	// When alice disconnects, twice
	f.router.Disconnect(alice)
	f.router.Disconnect(alice)

	// Then she is gone everywhere and bob hears about it exactly once
	_, ok := f.registry.Lookup("alice")
	req.False(ok)
	req.Equal([]string{"bob"}, f.groups.Members("devs"))
	req.False(f.calls.IsInCall("alice"))
	req.False(f.calls.IsInCall("bob"))
	req.Equal([]string{"CALL_ENDED:alice"}, bob.drain())
}

func TestRouter_Disconnect_PendingCallee(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	f.router.Dispatch(alice, "CALL_INITIATE:bob")
	alice.drain()
	bob.drain()

	f.router.Disconnect(bob)

	require.Equal(t, []string{"CALL_ENDED:bob"}, alice.drain())
	require.False(t, f.calls.IsInCall("alice"))
}

func TestRouter_Disconnect_Unidentified(t *testing.T) {
	f := newFixture(t)
	p := newPeer("c1")

	require.NotPanics(t, func() { f.router.Disconnect(p) })
	require.Zero(t, f.registry.Count())
}

func TestRouter_ConcurrentDisconnectsNotifyOnce(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")
	f.router.Dispatch(alice, "CALL_INITIATE:bob")
	f.router.Dispatch(bob, "CALL_ACCEPT:alice")
	alice.drain()
	bob.drain()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); f.router.Disconnect(alice) }()
	go func() { defer wg.Done(); f.router.Disconnect(bob) }()
	wg.Wait()

	// only one side ends the call; its notice is lost if the other side
	// already unregistered, but it is never sent twice
	require.LessOrEqual(t, len(alice.drain())+len(bob.drain()), 1)
	require.False(t, f.calls.IsInCall("alice"))
	require.False(t, f.calls.IsInCall("bob"))
}
