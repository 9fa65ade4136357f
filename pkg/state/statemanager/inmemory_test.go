package statemanager_test

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/abubuhammad/georgy-realtime/pkg/logging"
	"github.com/abubuhammad/georgy-realtime/pkg/state"
	"github.com/abubuhammad/georgy-realtime/pkg/state/statemanager"
	"github.com/google/uuid"
)

// --- Test Suite Setup ---

type fakeTransport struct {
	id uuid.UUID
}

func (f *fakeTransport) ID() uuid.UUID { return f.id }
func (f *fakeTransport) Send([]byte)   {}
func (f *fakeTransport) Close(error)   {}

func newTransportConn() *fakeTransport {
	return &fakeTransport{id: uuid.New()}
}

type presenceEvent struct {
	userID string
	online bool
}

type presenceRecorder struct {
	mu     sync.Mutex
	events []presenceEvent
}

func (r *presenceRecorder) hook(userID string, online bool, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, presenceEvent{userID, online})
}

func (r *presenceRecorder) snapshot() []presenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presenceEvent(nil), r.events...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(opts ...statemanager.Option) *statemanager.InMemoryManager {
	return statemanager.NewInMemoryManager(logging.Discard(), opts...)
}

func connectUser(t *testing.T, m *statemanager.InMemoryManager, userID string, role state.Role) *fakeTransport {
	t.Helper()
	tr := newTransportConn()
	if _, err := m.RegisterConnection(tr, "127.0.0.1"); err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	if _, err := m.AssociateUser(tr.ID(), state.Identity{UserID: userID, Role: role}); err != nil {
		t.Fatalf("AssociateUser failed: %v", err)
	}
	return tr
}

// --- Connection and User Management Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager()
	conn := newTransportConn()

	stateConn, err := m.RegisterConnection(conn, "127.0.0.1")
	if err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	if stateConn.ID != conn.ID() {
		t.Errorf("Registered connection ID mismatch")
	}
	if _, err := m.RegisterConnection(conn, "127.0.0.1"); err == nil {
		t.Error("Expected duplicate registration to fail")
	}

	retrievedConn, found := m.GetConnection(conn.ID())
	if !found {
		t.Fatal("GetConnection failed to find registered connection")
	}
	if retrievedConn.ID != conn.ID() {
		t.Errorf("Retrieved connection ID mismatch")
	}

	if err := m.DeregisterConnection(conn.ID()); err != nil {
		t.Fatalf("DeregisterConnection failed: %v", err)
	}
	if _, found = m.GetConnection(conn.ID()); found {
		t.Error("Found connection after it should have been deregistered")
	}
	// second deregister is a no-op
	if err := m.DeregisterConnection(conn.ID()); err != nil {
		t.Fatalf("repeated DeregisterConnection failed: %v", err)
	}
}

func TestAssociateUnknownConnection(t *testing.T) {
	m := newTestManager()
	if _, err := m.AssociateUser(uuid.New(), state.Identity{UserID: "u"}); err == nil {
		t.Fatal("Expected association with unknown connection to fail")
	}
}

func TestUserAssociationAndConnectionCount(t *testing.T) {
	m := newTestManager()
	userID := "user-1"
	conn1 := connectUser(t, m, userID, state.RoleCustomer)
	connectUser(t, m, userID, state.RoleCustomer)

	count, _ := m.GetUserConnectionCount(userID)
	if count != 2 {
		t.Errorf("Expected connection count 2, got %d", count)
	}
	if got := len(m.ConnectionsFor(userID)); got != 2 {
		t.Errorf("Expected 2 connections for user, got %d", got)
	}

	m.DeregisterConnection(conn1.ID())
	count, _ = m.GetUserConnectionCount(userID)
	if count != 1 {
		t.Errorf("Expected connection count 1 after deregister, got %d", count)
	}
	if m.Count() != 1 {
		t.Errorf("Expected registry count 1, got %d", m.Count())
	}
}

func TestMultiDevicePresence(t *testing.T) {
	m := newTestManager()
	rec := &presenceRecorder{}
	m.SetPresenceHook(rec.hook)

	device1 := connectUser(t, m, "alice", state.RoleCustomer)
	device2 := connectUser(t, m, "alice", state.RoleCustomer)

	if got := rec.snapshot(); len(got) != 1 || !got[0].online {
		t.Fatalf("Expected exactly one online event, got %+v", got)
	}

	m.DeregisterConnection(device1.ID())
	if !m.IsOnline("alice") {
		t.Error("Expected alice to stay online with one device left")
	}
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("Expected no presence change after first device left, got %+v", got)
	}

	m.DeregisterConnection(device2.ID())
	if m.IsOnline("alice") {
		t.Error("Expected alice to be offline after last device left")
	}
	got := rec.snapshot()
	if len(got) != 2 || got[1] != (presenceEvent{"alice", false}) {
		t.Fatalf("Expected one offline event, got %+v", got)
	}
	user, ok := m.FindUser("alice")
	if !ok || user.LastSeen.IsZero() {
		t.Error("Expected LastSeen to be recorded")
	}
}

func TestConcurrentDisconnectEmitsOneOfflineEvent(t *testing.T) {
	m := newTestManager()
	rec := &presenceRecorder{}
	m.SetPresenceHook(rec.hook)

	var conns []*fakeTransport
	for i := 0; i < 20; i++ {
		conns = append(conns, connectUser(t, m, "bob", state.RoleArtisan))
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			m.DeregisterConnection(id)
		}(c.ID())
	}
	wg.Wait()

	offline := 0
	for _, ev := range rec.snapshot() {
		if !ev.online {
			offline++
		}
	}
	if offline != 1 {
		t.Errorf("Expected exactly 1 offline event, got %d", offline)
	}
}

func TestReconnectDuringOfflineHookKeepsPresenceOrder(t *testing.T) {
	m := newTestManager()
	rec := &presenceRecorder{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m.SetPresenceHook(func(userID string, online bool, at time.Time) {
		if !online {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		rec.hook(userID, online, at)
	})

	first := connectUser(t, m, "alice", state.RoleCustomer)
	go m.DeregisterConnection(first.ID())
	<-entered

	reconnected := make(chan struct{})
	second := newTransportConn()
	if _, err := m.RegisterConnection(second, "127.0.0.1"); err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	go func() {
		defer close(reconnected)
		if _, err := m.AssociateUser(second.ID(), state.Identity{UserID: "alice", Role: state.RoleCustomer}); err != nil {
			t.Errorf("AssociateUser failed: %v", err)
		}
	}()

	select {
	case <-reconnected:
		t.Fatal("Expected reconnect to wait for the offline hook to return")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("Reconnect never completed")
	}

	events := rec.snapshot()
	want := []presenceEvent{{"alice", true}, {"alice", false}, {"alice", true}}
	if len(events) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("Expected events %v, got %v", want, events)
		}
	}
	if !m.IsOnline("alice") {
		t.Error("Expected alice to be online after reconnect")
	}
}

func TestByRole(t *testing.T) {
	m := newTestManager()
	connectUser(t, m, "agent-1", state.RoleDeliveryAgent)
	connectUser(t, m, "agent-2", state.RoleDeliveryAgent)
	connectUser(t, m, "cust-1", state.RoleCustomer)

	agents := m.ByRole(state.RoleDeliveryAgent)
	if len(agents) != 2 || agents[0].UserID != "agent-1" || agents[1].UserID != "agent-2" {
		t.Fatalf("Unexpected agents: %+v", agents)
	}
	if got := len(m.ConnectionsByRole(state.RoleCustomer)); got != 1 {
		t.Errorf("Expected 1 customer connection, got %d", got)
	}
	if m.OnlineUserCount() != 3 {
		t.Errorf("Expected 3 online users, got %d", m.OnlineUserCount())
	}
}

func TestFindOldestUserConnection(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newTestManager(statemanager.WithClock(clock.Now))
	userID := "user-cycle"

	conn1 := newTransportConn()
	m.RegisterConnection(conn1, "1.1.1.1")
	clock.Advance(time.Second)
	conn2 := newTransportConn()
	m.RegisterConnection(conn2, "2.2.2.2")
	m.AssociateUser(conn1.ID(), state.Identity{UserID: userID})
	m.AssociateUser(conn2.ID(), state.Identity{UserID: userID})

	oldest, found := m.FindOldestUserConnection(userID)
	if !found {
		t.Fatal("Expected to find oldest connection, but did not")
	}
	if oldest.ID != conn1.ID() {
		t.Errorf("Expected oldest connection ID to be %s, got %s", conn1.ID(), oldest.ID)
	}
}

// --- Room Management Tests ---

func TestRoomMembership(t *testing.T) {
	m := newTestManager()
	userID1, userID2 := "user-room-1", "user-room-2"
	roomID := "test-room"
	connectUser(t, m, userID1, state.RoleCustomer)
	connectUser(t, m, userID2, state.RoleArtisan)

	if added, err := m.Join(userID1, roomID); err != nil || !added {
		t.Fatalf("User1 failed to join room: added=%v err=%v", added, err)
	}
	if added, err := m.Join(userID2, roomID); err != nil || !added {
		t.Fatalf("User2 failed to join room: added=%v err=%v", added, err)
	}

	members := m.MembersOf(roomID)
	if len(members) != 2 {
		t.Fatalf("Expected 2 members in room, got %d", len(members))
	}

	if !m.Leave(userID1, roomID) {
		t.Fatal("Expected user1 leave to report removal")
	}
	members = m.MembersOf(roomID)
	if len(members) != 1 || members[0] != userID2 {
		t.Fatalf("Expected remaining member %s, got %v", userID2, members)
	}

	// Test empty room cleanup
	m.Leave(userID2, roomID)
	if m.RoomCount() != 0 {
		t.Error("Expected room to be deleted after last member left")
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	m := newTestManager()
	connectUser(t, m, "u1", state.RoleCustomer)

	first, _ := m.Join("u1", "r1")
	second, _ := m.Join("u1", "r1")
	if !first || second {
		t.Fatalf("Expected first join added and second not, got %v %v", first, second)
	}
	if got := m.MembersOf("r1"); len(got) != 1 {
		t.Errorf("Expected single membership, got %v", got)
	}
	if m.Leave("u1", "r1") != true || m.Leave("u1", "r1") != false {
		t.Error("Expected leave to be idempotent")
	}
}

func TestJoinUnknownUser(t *testing.T) {
	m := newTestManager()
	if _, err := m.Join("ghost", "r1"); err == nil {
		t.Fatal("Expected join by unknown user to fail")
	}
}

func TestMembershipSurvivesDisconnect(t *testing.T) {
	m := newTestManager()
	tr := connectUser(t, m, "u1", state.RoleCustomer)
	m.Join("u1", "chat-1")
	m.DeregisterConnection(tr.ID())

	if got := m.MembersOf("chat-1"); len(got) != 1 {
		t.Fatalf("Expected membership to persist across disconnect, got %v", got)
	}
	if got := m.RoomConnections("chat-1"); len(got) != 0 {
		t.Errorf("Expected no live connections for offline member, got %d", len(got))
	}

	connectUser(t, m, "u1", state.RoleCustomer)
	if got := m.RoomConnections("chat-1"); len(got) != 1 {
		t.Errorf("Expected reconnected member to be reachable, got %d", len(got))
	}
}

func TestRoomConnectionsFanOut(t *testing.T) {
	m := newTestManager()
	connectUser(t, m, "a", state.RoleCustomer)
	connectUser(t, m, "a", state.RoleCustomer)
	connectUser(t, m, "b", state.RoleArtisan)
	connectUser(t, m, "c", state.RoleArtisan)
	m.Join("a", "r")
	m.Join("b", "r")

	if got := len(m.RoomConnections("r")); got != 3 {
		t.Errorf("Expected 3 member connections, got %d", got)
	}
	if got := m.RoomsOf("a"); len(got) != 1 || got[0] != "r" {
		t.Errorf("Unexpected rooms for a: %v", got)
	}
}

// --- Ephemeral cache Tests ---

func TestTypingPerEntryExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newTestManager(statemanager.WithClock(clock.Now), statemanager.WithTypingTTL(5*time.Second))

	if !m.SetTyping("u1", "r1", true) {
		t.Fatal("Expected first typing signal to be a change")
	}
	clock.Advance(3 * time.Second)
	if m.SetTyping("u1", "r1", true) {
		t.Error("Expected refresh of live typing entry to be no change")
	}
	m.SetTyping("u2", "r1", true)

	clock.Advance(4 * time.Second)
	// u1 refreshed at t+3, u2 set at t+3: both live at t+7.
	if got := m.TypingIn("r1"); len(got) != 2 {
		t.Fatalf("Expected 2 typing users, got %v", got)
	}
	clock.Advance(2 * time.Second)
	if got := m.TypingIn("r1"); len(got) != 0 {
		t.Fatalf("Expected typing entries to expire, got %v", got)
	}

	stats := m.Sweep(clock.Now())
	if stats.Typing != 2 {
		t.Errorf("Expected sweep to remove 2 typing entries, got %d", stats.Typing)
	}
}

func TestTypingStopAndLeave(t *testing.T) {
	m := newTestManager()
	connectUser(t, m, "u1", state.RoleCustomer)
	m.Join("u1", "r1")

	m.SetTyping("u1", "r1", true)
	if !m.SetTyping("u1", "r1", false) {
		t.Error("Expected stop to be a change")
	}
	if m.SetTyping("u1", "r1", false) {
		t.Error("Expected repeated stop to be no change")
	}

	m.SetTyping("u1", "r1", true)
	m.Leave("u1", "r1")
	if got := m.TypingIn("r1"); len(got) != 0 {
		t.Errorf("Expected leave to clear typing, got %v", got)
	}
}

func TestTypingSweepWithoutTTLClearsAll(t *testing.T) {
	m := newTestManager(statemanager.WithTypingTTL(0))
	m.SetTyping("u1", "r1", true)
	m.SetTyping("u2", "r2", true)

	m.Sweep(time.Now())
	if len(m.TypingIn("r1")) != 0 || len(m.TypingIn("r2")) != 0 {
		t.Error("Expected sweep to clear every typing set")
	}
}

func TestLocationStaleness(t *testing.T) {
	now := time.Unix(10_000, 0)
	m := newTestManager(statemanager.WithLocationTTL(10 * time.Minute))

	m.UpdateLocation(state.LocationFix{AgentID: "stale", Lat: 1, Lng: 1, Timestamp: now.Add(-11 * time.Minute)})
	m.UpdateLocation(state.LocationFix{AgentID: "fresh", Lat: 6.5, Lng: 3.3, Timestamp: now.Add(-time.Minute)})

	stats := m.Sweep(now)
	if stats.Locations != 1 {
		t.Errorf("Expected 1 stale location removed, got %d", stats.Locations)
	}
	all := m.AllLocations()
	if _, ok := all["stale"]; ok {
		t.Error("Stale location survived sweep")
	}
	fix, ok := m.LocationOf("fresh")
	if !ok || fix.Lat != 6.5 {
		t.Errorf("Fresh location missing after sweep: %+v", fix)
	}
}

func TestLocationOverwrite(t *testing.T) {
	m := newTestManager()
	m.UpdateLocation(state.LocationFix{AgentID: "a1", Lat: 1, Lng: 2})
	m.UpdateLocation(state.LocationFix{AgentID: "a1", Lat: 3, Lng: 4})

	fix, ok := m.LocationOf("a1")
	if !ok || fix.Lat != 3 || fix.Lng != 4 {
		t.Fatalf("Expected last fix to win, got %+v", fix)
	}
	if fix.Timestamp.IsZero() {
		t.Error("Expected missing timestamp to be filled in")
	}
}

func TestMembershipSweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newTestManager(statemanager.WithClock(clock.Now), statemanager.WithMembershipTTL(time.Minute))

	gone := connectUser(t, m, "gone", state.RoleCustomer)
	connectUser(t, m, "here", state.RoleCustomer)
	m.Join("gone", "r1")
	m.Join("here", "r1")
	m.DeregisterConnection(gone.ID())

	clock.Advance(30 * time.Second)
	if stats := m.Sweep(clock.Now()); stats.Memberships != 0 {
		t.Fatalf("Expected no membership removed inside TTL, got %d", stats.Memberships)
	}
	clock.Advance(time.Minute)
	if stats := m.Sweep(clock.Now()); stats.Memberships != 1 {
		t.Fatalf("Expected 1 membership removed, got %d", stats.Memberships)
	}
	if got := m.MembersOf("r1"); len(got) != 1 || got[0] != "here" {
		t.Errorf("Unexpected members after sweep: %v", got)
	}
}

// --- Modifier State Tests ---

func TestModifierState_SetAndGet(t *testing.T) {
	m := newTestManager()
	testValue := "hello world"

	m.SetModifierState("test_mod", "user1", "event1", &state.ModifierState{Value: testValue})

	retrievedState, found := m.GetModifierState("test_mod", "user1", "event1")
	if !found {
		t.Fatalf("GetModifierState: expected to find state, but did not")
	}
	if retrievedState.Value != testValue {
		t.Errorf("GetModifierState: expected value '%s', got '%v'", testValue, retrievedState.Value)
	}
}

func TestModifierState_GetNotFound(t *testing.T) {
	m := newTestManager()
	if _, found := m.GetModifierState("non_existent", "user1", "event1"); found {
		t.Error("GetModifierState: expected not to find state, but did")
	}
}

func TestModifierState_GetOrCreate(t *testing.T) {
	m := newTestManager()
	calls := 0
	create := func() *state.ModifierState {
		calls++
		return &state.ModifierState{Value: calls}
	}

	first, created := m.GetOrCreateModifierState("mod", "u", "e", create)
	if !created || first.Value != 1 {
		t.Fatalf("Expected creation on first call, got created=%v value=%v", created, first.Value)
	}
	second, created := m.GetOrCreateModifierState("mod", "u", "e", create)
	if created || second != first || calls != 1 {
		t.Fatalf("Expected existing entry on second call")
	}
}

func TestModifierState_DeleteStopsTimer(t *testing.T) {
	m := newTestManager()
	fired := make(chan struct{}, 1)

	timer := time.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	m.SetModifierState("test_timer_mod", "user1", "event1", &state.ModifierState{Value: "v", Timer: timer})
	m.DeleteModifierState("test_timer_mod", "user1", "event1")

	select {
	case <-fired:
		t.Error("DeleteModifierState did not stop the timer")
	case <-time.After(50 * time.Millisecond):
	}
	if _, found := m.GetModifierState("test_timer_mod", "user1", "event1"); found {
		t.Error("Expected state to be deleted")
	}
}

func TestModifierState_SetStopsPreviousTimer(t *testing.T) {
	m := newTestManager()
	fired := make(chan struct{}, 1)

	timer1 := time.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	m.SetModifierState("test_timer_mod", "user1", "event1", &state.ModifierState{Value: "value1", Timer: timer1})
	m.SetModifierState("test_timer_mod", "user1", "event1", &state.ModifierState{Value: "value2"})

	select {
	case <-fired:
		t.Error("SetModifierState did not stop the previous state's timer upon overwrite")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := newTestManager()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := "user" + strconv.Itoa(i%10)
			tr := newTransportConn()
			m.RegisterConnection(tr, "127.0.0.1")
			m.AssociateUser(tr.ID(), state.Identity{UserID: userID})
			m.Join(userID, "room"+strconv.Itoa(i%3))
			m.SetTyping(userID, "room"+strconv.Itoa(i%3), i%2 == 0)
			m.UpdateLocation(state.LocationFix{AgentID: userID, Lat: float64(i)})
			m.RoomConnections("room0")
			m.GetOrCreateModifierState("mod", userID, "e", func() *state.ModifierState {
				return &state.ModifierState{}
			})
			m.DeregisterConnection(tr.ID())
		}(i)
	}
	wg.Wait()

	if m.Count() != 0 {
		t.Errorf("Expected all connections gone, got %d", m.Count())
	}
}
