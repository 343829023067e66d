package app_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstegen/relay/internal/app"
	"github.com/mstegen/relay/internal/core"
	"github.com/mstegen/relay/internal/domain"
)

type fakeVerifier struct {
	rejections map[string]error
}

func (f *fakeVerifier) Verify(credential string) (domain.Identity, error) {
	if err, ok := f.rejections[credential]; ok {
		return domain.Identity{}, err
	}
	return domain.Identity{UserID: domain.UserID(credential), Username: credential}, nil
}

// gateway bundles a fully wired in-memory stack the way cmd/server does it,
// minus the transport.
type gateway struct {
	presence *core.Presence
	docs     *app.DocCache
	fanout   *app.Fanout
	router   *app.Router
	sup      *app.Supervisor
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	presence := core.NewPresence()
	docs := app.NewDocCache(time.Minute)
	fanout := app.NewFanout(nil, nil, 10*time.Second, 2)
	router := app.NewRouter(presence, fanout, docs)
	sup := app.NewSupervisor(&fakeVerifier{}, presence, fanout, docs, time.Minute, time.Minute, 16)
	fanout.SetDisconnector(sup)
	return &gateway{presence: presence, docs: docs, fanout: fanout, router: router, sup: sup}
}

func (g *gateway) connect(t *testing.T, user string) *core.Session {
	t.Helper()
	s, err := g.sup.Accept(user)
	require.NoError(t, err)
	return s
}

// drain empties a session's outbox.
func drain(s *core.Session) []*core.Envelope {
	var out []*core.Envelope
	for {
		e, ok := s.Outbox().TryPop()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func typesOf(envs []*core.Envelope) []core.EventType {
	out := make([]core.EventType, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func edit(id string) domain.RoomKey  { return domain.RoomKey{Kind: domain.KindEdit, ID: id} }
func chat(id string) domain.RoomKey  { return domain.RoomKey{Kind: domain.KindChat, ID: id} }
func video(id string) domain.RoomKey { return domain.RoomKey{Kind: domain.KindVideo, ID: id} }

func chatEvent(text string, seq uint64) *core.Envelope {
	return &core.Envelope{
		Type: core.EventChatMessage, RoomID: "r", RoomKind: domain.KindChat,
		SenderSeq: seq, Payload: json.RawMessage(fmt.Sprintf(`{"text":%q}`, text)),
	}
}

func TestRouter_JoinNotifiesOthersOnly(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")

	g.router.Join(alice, chat("r"))
	drain(alice)

	g.router.Join(bob, chat("r"))

	aliceGot := drain(alice)
	require.Len(t, aliceGot, 1)
	assert.Equal(t, core.EventMemberJoined, aliceGot[0].Type)

	bobGot := drain(bob)
	require.Len(t, bobGot, 1, "the joiner gets the snapshot, not its own join notice")
	assert.Equal(t, core.EventRoomState, bobGot[0].Type)

	var state core.RoomStatePayload
	require.NoError(t, json.Unmarshal(bobGot[0].Payload, &state))
	assert.Equal(t, 2, state.Count)
}

func TestRouter_JoinIdempotent(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")
	g.router.Join(alice, chat("r"))
	g.router.Join(bob, chat("r"))
	drain(alice)

	g.router.Join(bob, chat("r"))
	assert.Empty(t, drain(alice), "re-join must not re-notify")
	assert.Len(t, g.presence.Members(chat("r")), 2)
}

func TestRouter_LeaveNotifiesRemaining(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")
	g.router.Join(alice, chat("r"))
	g.router.Join(bob, chat("r"))
	drain(alice)

	g.router.Leave(bob, chat("r"))
	got := drain(alice)
	require.Len(t, got, 1)
	assert.Equal(t, core.EventMemberLeft, got[0].Type)

	// Leaving again is a no-op.
	g.router.Leave(bob, chat("r"))
	assert.Empty(t, drain(alice))
}

func TestRouter_RouteRequiresMembership(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")

	err := g.router.Route(alice, chatEvent("hello", 1))
	assert.ErrorIs(t, err, core.ErrNotMember)
}

func TestRouter_BroadcastExcludesSender(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")
	carol := g.connect(t, "carol")
	for _, s := range []*core.Session{alice, bob, carol} {
		g.router.Join(s, chat("r"))
		drain(s)
	}
	drain(alice)
	drain(bob)

	require.NoError(t, g.router.Route(alice, chatEvent("hello", 1)))

	assert.Empty(t, drain(alice), "sender never receives its own event")
	for _, s := range []*core.Session{bob, carol} {
		got := drain(s)
		require.Len(t, got, 1)
		assert.Equal(t, core.EventChatMessage, got[0].Type)
		assert.Equal(t, domain.UserID("alice"), got[0].SenderID)
		assert.NotZero(t, got[0].Timestamp)
	}
}

func TestRouter_DuplicateSeqDiscarded(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")
	g.router.Join(alice, chat("r"))
	g.router.Join(bob, chat("r"))
	drain(bob)

	require.NoError(t, g.router.Route(alice, chatEvent("one", 1)))
	require.NoError(t, g.router.Route(alice, chatEvent("one again", 1)))
	require.NoError(t, g.router.Route(alice, chatEvent("two", 2)))

	got := drain(bob)
	require.Len(t, got, 2, "the redelivered duplicate must not reach recipients")
}

func TestRouter_PerSenderOrderPreserved(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")
	g.router.Join(alice, chat("r"))
	g.router.Join(bob, chat("r"))
	drain(bob)

	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, g.router.Route(alice, chatEvent(fmt.Sprintf("m%d", seq), seq)))
	}

	got := drain(bob)
	require.Len(t, got, 10)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.SenderSeq)
	}
}

func TestRouter_TargetedDelivery(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")
	carol := g.connect(t, "carol")
	for _, s := range []*core.Session{alice, bob, carol} {
		g.router.Join(s, video("call"))
		drain(s)
	}
	drain(alice)
	drain(bob)

	offer := &core.Envelope{
		Type: core.EventSDPOffer, RoomID: "call", RoomKind: domain.KindVideo,
		Payload: json.RawMessage(`{"target":"bob","sdp":{"type":"offer","sdp":"v=0"}}`),
	}
	require.NoError(t, g.router.Route(alice, offer))

	got := drain(bob)
	require.Len(t, got, 1)
	assert.Equal(t, core.EventSDPOffer, got[0].Type)
	assert.Empty(t, drain(carol), "targeted events are never broadcast")
	assert.Empty(t, drain(alice))
}

func TestRouter_UnknownTarget(t *testing.T) {
	g := newGateway(t)
	carol := g.connect(t, "carol")
	g.router.Join(carol, video("room2"))
	drain(carol)

	offer := &core.Envelope{
		Type: core.EventSDPOffer, RoomID: "room2", RoomKind: domain.KindVideo,
		Payload: json.RawMessage(`{"target":"dave","sdp":{"type":"offer","sdp":"v=0"}}`),
	}
	err := g.router.Route(carol, offer)
	assert.ErrorIs(t, err, core.ErrUnknownTarget)
	assert.Empty(t, drain(carol), "a failed call delivers nothing to anyone")
}

func TestRouter_CodeChangeUpdatesDocCache(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")
	g.router.Join(alice, edit("room1"))
	drain(alice)

	change := &core.Envelope{
		Type: core.EventCodeChange, RoomID: "room1", RoomKind: domain.KindEdit,
		SenderSeq: 1, Payload: json.RawMessage(`{"text":"x=1"}`),
	}
	require.NoError(t, g.router.Route(alice, change))

	doc, ok := g.docs.Get("room1")
	require.True(t, ok)
	assert.Equal(t, "x=1", doc.Text)
	assert.Equal(t, domain.UserID("alice"), doc.LastWriter)

	// A late joiner is brought up to date with the cached snapshot.
	g.router.Join(bob, edit("room1"))
	got := drain(bob)
	require.Len(t, got, 2)
	assert.Equal(t, core.EventRoomState, got[0].Type)
	assert.Equal(t, core.EventDocState, got[1].Type)

	var p core.DocStatePayload
	require.NoError(t, json.Unmarshal(got[1].Payload, &p))
	assert.Equal(t, "x=1", p.Text)
	assert.Equal(t, domain.UserID("alice"), p.LastWriter)
}

func TestRouter_DeliverRemote(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	g.router.Join(alice, chat("r"))
	drain(alice)

	remote := chatEvent("from elsewhere", 0)
	remote.SenderID = "zoe"
	g.router.DeliverRemote(remote)

	got := drain(alice)
	require.Len(t, got, 1)
	assert.Equal(t, domain.UserID("zoe"), got[0].SenderID)
}

// Scenario from the edit-room flow: A and B share edit:room1, A sends one
// code change, then disconnects.
func TestScenario_EditRoomLifecycle(t *testing.T) {
	g := newGateway(t)
	a := g.connect(t, "A")
	b := g.connect(t, "B")
	g.router.Join(a, edit("room1"))
	g.router.Join(b, edit("room1"))
	drain(a)
	drain(b)

	change := &core.Envelope{
		Type: core.EventCodeChange, RoomID: "room1", RoomKind: domain.KindEdit,
		SenderSeq: 1, Payload: json.RawMessage(`{"text":"x=1"}`),
	}
	require.NoError(t, g.router.Route(a, change))

	got := drain(b)
	require.Len(t, got, 1, "B receives exactly one code-change")
	assert.Equal(t, core.EventCodeChange, got[0].Type)
	assert.Equal(t, domain.UserID("A"), got[0].SenderID)
	var p core.CodeChangePayload
	require.NoError(t, json.Unmarshal(got[0].Payload, &p))
	assert.Equal(t, "x=1", p.Text)

	g.sup.OnDisconnect(a)

	got = drain(b)
	require.Len(t, got, 1, "B receives exactly one member-left")
	assert.Equal(t, core.EventMemberLeft, got[0].Type)
	var mp core.MemberPayload
	require.NoError(t, json.Unmarshal(got[0].Payload, &mp))
	assert.Equal(t, domain.UserID("A"), mp.UserID)

	members := g.presence.Members(edit("room1"))
	require.Len(t, members, 1)
	assert.Equal(t, b.ID(), members[0].ID())
}
