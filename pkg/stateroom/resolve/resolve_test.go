package resolve_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/auth"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/resolve"
)

const (
	room  = "!room:example.org"
	userA = "@a:example.org"
	userB = "@b:example.org"
)

func strPtr(s string) *string { return &s }

// fixture is an in-memory event graph serving resolver fetches.
type fixture struct {
	events map[string]*pdu.Pdu
}

func newFixture() *fixture {
	return &fixture{events: make(map[string]*pdu.Pdu)}
}

func (f *fixture) add(ev *pdu.Pdu) *pdu.Pdu {
	f.events[ev.EventID] = ev
	return ev
}

func (f *fixture) fetcher() resolve.Fetcher {
	return resolve.FetcherFunc(func(_ context.Context, id string) (*pdu.Pdu, error) {
		return f.events[id], nil
	})
}

func (f *fixture) state(ids ...string) pdu.StateMap {
	m := make(pdu.StateMap, len(ids))
	for _, id := range ids {
		ev := f.events[id]
		m[ev.Key()] = ev
	}
	return m
}

func event(id, sender, typ, stateKey string, ts int64, content map[string]any, auths, prevs []string) *pdu.Pdu {
	depth := int64(0)
	if len(prevs) > 0 {
		depth = 1
	}
	return &pdu.Pdu{
		EventID:        id,
		RoomID:         room,
		Type:           typ,
		StateKey:       strPtr(stateKey),
		Sender:         sender,
		OriginServerTS: ts,
		Depth:          depth,
		Content:        content,
		AuthEvents:     auths,
		PrevEvents:     prevs,
	}
}

// baseRoom builds create, both users joined, and an initial power
// table giving userA 100 and userB 50.
func baseRoom(f *fixture) {
	f.add(event("$create", userA, pdu.TypeCreate, "", 1,
		map[string]any{"creator": userA}, nil, nil))
	f.add(event("$ajoin", userA, pdu.TypeMember, userA, 2,
		map[string]any{"membership": pdu.MembershipJoin},
		[]string{"$create"}, []string{"$create"}))
	f.add(event("$binv", userA, pdu.TypeMember, userB, 3,
		map[string]any{"membership": pdu.MembershipInvite},
		[]string{"$create", "$ajoin"}, []string{"$ajoin"}))
	f.add(event("$bjoin", userB, pdu.TypeMember, userB, 4,
		map[string]any{"membership": pdu.MembershipJoin},
		[]string{"$create", "$binv"}, []string{"$binv"}))
	f.add(event("$pl1", userA, pdu.TypePowerLevels, "", 5,
		map[string]any{"users": map[string]any{userA: 100, userB: 50}},
		[]string{"$create", "$ajoin"}, []string{"$bjoin"}))
}

func newResolver() *resolve.Resolver {
	return resolve.New(auth.Checker{}, nil)
}

// TestResolveTrivial verifies the degenerate inputs: no states, one
// state, multiple identical states.
func TestResolveTrivial(t *testing.T) {
	f := newFixture()
	baseRoom(f)
	r := newResolver()
	ctx := context.Background()

	out, err := r.Resolve(ctx, nil, f.fetcher())
	require.NoError(t, err)
	assert.Empty(t, out)

	s := f.state("$create", "$ajoin", "$bjoin", "$pl1")
	out, err = r.Resolve(ctx, []pdu.StateMap{s}, f.fetcher())
	require.NoError(t, err)
	assert.Equal(t, s.EventIDs(), out.EventIDs())

	out, err = r.Resolve(ctx, []pdu.StateMap{s, s.Clone()}, f.fetcher())
	require.NoError(t, err)
	assert.Equal(t, s.EventIDs(), out.EventIDs())
}

// TestResolvePowerConflict verifies that a power_levels event from a
// weaker sender cannot demote a stronger user: the resolver keeps the
// established table.
func TestResolvePowerConflict(t *testing.T) {
	f := newFixture()
	baseRoom(f)
	f.add(event("$pl2", userB, pdu.TypePowerLevels, "", 6,
		map[string]any{"users": map[string]any{userA: 0, userB: 50}},
		[]string{"$create", "$pl1", "$bjoin"}, []string{"$pl1"}))

	branch1 := f.state("$create", "$ajoin", "$bjoin", "$pl1")
	branch2 := f.state("$create", "$ajoin", "$bjoin", "$pl2")

	r := newResolver()
	out, err := r.Resolve(context.Background(), []pdu.StateMap{branch1, branch2}, f.fetcher())
	require.NoError(t, err)

	winner := out[pdu.KeyOf(pdu.TypePowerLevels, "")]
	require.NotNil(t, winner)
	assert.Equal(t, "$pl1", winner.EventID)
}

// TestResolveConvergence verifies that every input permutation yields
// the same winning event per key.
func TestResolveConvergence(t *testing.T) {
	f := newFixture()
	baseRoom(f)
	f.add(event("$pl2", userB, pdu.TypePowerLevels, "", 6,
		map[string]any{"users": map[string]any{userA: 0, userB: 50}},
		[]string{"$create", "$pl1", "$bjoin"}, []string{"$pl1"}))
	f.add(event("$topic1", userA, pdu.TypeTopic, "", 7,
		map[string]any{"topic": "from branch one"},
		[]string{"$create", "$ajoin", "$pl1"}, []string{"$pl1"}))
	f.add(event("$topic2", userB, pdu.TypeTopic, "", 8,
		map[string]any{"topic": "from branch two"},
		[]string{"$create", "$bjoin", "$pl1"}, []string{"$pl1"}))

	branch1 := f.state("$create", "$ajoin", "$bjoin", "$pl1", "$topic1")
	branch2 := f.state("$create", "$ajoin", "$bjoin", "$pl2", "$topic2")

	r := newResolver()
	ctx := context.Background()

	first, err := r.Resolve(ctx, []pdu.StateMap{branch1, branch2}, f.fetcher())
	require.NoError(t, err)

	permutations := [][]pdu.StateMap{
		{branch2, branch1},
		{branch1.Clone(), branch2.Clone()},
		{branch2.Clone(), branch1.Clone(), branch1.Clone()},
	}
	for _, perm := range permutations {
		out, err := r.Resolve(ctx, perm, f.fetcher())
		require.NoError(t, err)
		assert.Equal(t, first.EventIDs(), out.EventIDs())
	}
}

// TestResolveMainlineOrdering verifies that non-power conflicts order
// by mainline position: the event anchored to the newer power_levels
// event is applied later and wins.
func TestResolveMainlineOrdering(t *testing.T) {
	f := newFixture()
	baseRoom(f)
	// topicOld hangs off the create event only, topicNew off pl1.
	f.add(event("$topicOld", userA, pdu.TypeTopic, "", 9,
		map[string]any{"topic": "older anchor"},
		[]string{"$create", "$ajoin"}, []string{"$ajoin"}))
	f.add(event("$topicNew", userA, pdu.TypeTopic, "", 7,
		map[string]any{"topic": "newer anchor"},
		[]string{"$create", "$ajoin", "$pl1"}, []string{"$pl1"}))

	branch1 := f.state("$create", "$ajoin", "$bjoin", "$pl1", "$topicOld")
	branch2 := f.state("$create", "$ajoin", "$bjoin", "$pl1", "$topicNew")

	r := newResolver()
	out, err := r.Resolve(context.Background(), []pdu.StateMap{branch1, branch2}, f.fetcher())
	require.NoError(t, err)

	winner := out[pdu.KeyOf(pdu.TypeTopic, "")]
	require.NotNil(t, winner)
	// topicNew wins despite its older timestamp: mainline position
	// outranks origin_server_ts.
	assert.Equal(t, "$topicNew", winner.EventID)
}

// TestResolveTimestampTieBreak verifies the origin_server_ts tie-break
// between events at the same mainline position.
func TestResolveTimestampTieBreak(t *testing.T) {
	f := newFixture()
	baseRoom(f)
	f.add(event("$nameEarly", userA, pdu.TypeName, "", 10,
		map[string]any{"name": "early"},
		[]string{"$create", "$ajoin", "$pl1"}, []string{"$pl1"}))
	f.add(event("$nameLate", userB, pdu.TypeName, "", 20,
		map[string]any{"name": "late"},
		[]string{"$create", "$bjoin", "$pl1"}, []string{"$pl1"}))

	branch1 := f.state("$create", "$ajoin", "$bjoin", "$pl1", "$nameEarly")
	branch2 := f.state("$create", "$ajoin", "$bjoin", "$pl1", "$nameLate")

	r := newResolver()
	out, err := r.Resolve(context.Background(), []pdu.StateMap{branch1, branch2}, f.fetcher())
	require.NoError(t, err)

	winner := out[pdu.KeyOf(pdu.TypeName, "")]
	require.NotNil(t, winner)
	assert.Equal(t, "$nameLate", winner.EventID, "the later write is applied last")
}

// TestResolveUnconflictedWins verifies that keys every view agrees on
// pass through untouched.
func TestResolveUnconflictedWins(t *testing.T) {
	f := newFixture()
	baseRoom(f)
	f.add(event("$topic1", userA, pdu.TypeTopic, "", 7,
		map[string]any{"topic": "one"},
		[]string{"$create", "$ajoin", "$pl1"}, []string{"$pl1"}))
	f.add(event("$topic2", userB, pdu.TypeTopic, "", 8,
		map[string]any{"topic": "two"},
		[]string{"$create", "$bjoin", "$pl1"}, []string{"$pl1"}))

	branch1 := f.state("$create", "$ajoin", "$bjoin", "$pl1", "$topic1")
	branch2 := f.state("$create", "$ajoin", "$bjoin", "$pl1", "$topic2")

	r := newResolver()
	out, err := r.Resolve(context.Background(), []pdu.StateMap{branch1, branch2}, f.fetcher())
	require.NoError(t, err)

	assert.Equal(t, "$create", out[pdu.KeyOf(pdu.TypeCreate, "")].EventID)
	assert.Equal(t, "$pl1", out[pdu.KeyOf(pdu.TypePowerLevels, "")].EventID)
	assert.Equal(t, "$bjoin", out[pdu.KeyOf(pdu.TypeMember, userB)].EventID)
}

// TestResolveRejectedMembership verifies that a membership event
// failing the rules under the resolved power structure is dropped.
func TestResolveRejectedMembership(t *testing.T) {
	f := newFixture()
	baseRoom(f)
	// userB (level 50) tries to ban userA (level 100) on one branch.
	f.add(event("$aban", userB, pdu.TypeMember, userA, 6,
		map[string]any{"membership": pdu.MembershipBan},
		[]string{"$create", "$pl1", "$bjoin"}, []string{"$pl1"}))

	branch1 := f.state("$create", "$ajoin", "$bjoin", "$pl1")
	branch2 := f.state("$create", "$aban", "$bjoin", "$pl1")

	r := newResolver()
	out, err := r.Resolve(context.Background(), []pdu.StateMap{branch1, branch2}, f.fetcher())
	require.NoError(t, err)

	member := out[pdu.KeyOf(pdu.TypeMember, userA)]
	require.NotNil(t, member)
	assert.Equal(t, "$ajoin", member.EventID, "the ban is dropped, the join survives")
}

// TestResolveMissingCreate verifies the invariant check: conflicted
// state in a room with no reachable create event cannot be resolved.
func TestResolveMissingCreate(t *testing.T) {
	f := newFixture()
	t1 := f.add(event("$t1", userA, pdu.TypeTopic, "", 1,
		map[string]any{"topic": "one"}, nil, nil))
	t2 := f.add(event("$t2", userB, pdu.TypeTopic, "", 2,
		map[string]any{"topic": "two"}, nil, nil))

	branch1 := pdu.StateMap{t1.Key(): t1}
	branch2 := pdu.StateMap{t2.Key(): t2}

	r := newResolver()
	_, err := r.Resolve(context.Background(), []pdu.StateMap{branch1, branch2}, f.fetcher())
	require.Error(t, err)
	var ierr *resolve.InvariantError
	assert.ErrorAs(t, err, &ierr)
}
