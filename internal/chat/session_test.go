package chat

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whisper/roomchat/internal/bus"
	"github.com/whisper/roomchat/internal/clock"
	"github.com/whisper/roomchat/internal/event"
	"github.com/whisper/roomchat/internal/fabric"
)

// feed records every event delivered by a session as "kind:username".
type feed struct {
	mu     sync.Mutex
	events []string
}

func watch(s *Session) *feed {
	f := &feed{}
	for _, k := range event.Kinds {
		s.Subscribe(k, func(evt event.Event) {
			f.mu.Lock()
			f.events = append(f.events, evt.Kind().String()+":"+event.Username(evt))
			f.mu.Unlock()
		})
	}
	return f
}

func (f *feed) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *feed) count(entry string) int {
	n := 0
	for _, e := range f.snapshot() {
		if e == entry {
			n++
		}
	}
	return n
}

func newTestSession(t *testing.T, fab fabric.Fabric) *Session {
	t.Helper()
	cfg := DefaultConfig("lobby")
	cfg.Bus.Delay = 0
	s := NewSession(cfg, clock.NewManual(1000), fab)
	t.Cleanup(s.Close)
	return s
}

func settle(t *testing.T, sessions ...*Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, s := range sessions {
		if err := s.Drain(ctx); err != nil {
			t.Fatalf("Drain() error: %v", err)
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// must fails the test when a setup step returns an error.
func must(t *testing.T, what string, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}

func TestSessionJoinLeave(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, nil)
	f := watch(s)

	if err := s.JoinChat(ctx, "alice"); err != nil {
		t.Fatalf("JoinChat() error: %v", err)
	}
	if err := s.JoinChat(ctx, "alice"); err != nil {
		t.Fatalf("duplicate JoinChat() error: %v", err)
	}
	if err := s.LeaveChat(ctx, "alice"); err != nil {
		t.Fatalf("LeaveChat() error: %v", err)
	}
	if err := s.LeaveChat(ctx, "alice"); err != nil {
		t.Fatalf("duplicate LeaveChat() error: %v", err)
	}
	settle(t, s)

	want := []string{"user-joined:alice", "user-left:alice"}
	if got := f.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if users := s.CurrentUsers(); len(users) != 0 {
		t.Fatalf("CurrentUsers() = %v, want empty", users)
	}
}

func TestSessionRejectsBadUsernames(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, nil)

	if err := s.JoinChat(ctx, ""); !errors.Is(err, ErrEmptyUsername) {
		t.Fatalf("JoinChat(\"\") error = %v, want ErrEmptyUsername", err)
	}
	if err := s.JoinChat(ctx, "x!"); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("JoinChat(\"x!\") error = %v, want ErrInvalidUsername", err)
	}
	if _, err := s.SendMessage(ctx, "", "hi"); !errors.Is(err, ErrEmptyUsername) {
		t.Fatalf("SendMessage(\"\") error = %v, want ErrEmptyUsername", err)
	}
	if len(s.CurrentUsers()) != 0 {
		t.Fatal("rejected joins must not change presence")
	}
}

func TestSessionDisconnectedUserIsRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, nil)
	f := watch(s)

	if _, err := s.SendMessage(ctx, "ghost", "boo"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendMessage() error = %v, want ErrNotConnected", err)
	}
	if err := s.StartTyping(ctx, "ghost", "b"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("StartTyping() error = %v, want ErrNotConnected", err)
	}
	if err := s.StopTyping(ctx, "ghost"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("StopTyping() error = %v, want ErrNotConnected", err)
	}
	settle(t, s)

	if len(s.CurrentMessages()) != 0 || len(s.CurrentTypingUsers()) != 0 {
		t.Fatal("disconnected user must not change state")
	}
	if got := f.snapshot(); len(got) != 0 {
		t.Fatalf("events = %v, want none", got)
	}
}

func TestSessionSendClearsTypingFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, nil)
	must(t, "join alice", s.JoinChat(ctx, "alice"))
	must(t, "alice typing", s.StartTyping(ctx, "alice", "hel"))
	settle(t, s)
	f := watch(s)

	msg, err := s.SendMessage(ctx, "alice", "hello")
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	settle(t, s)

	want := []string{"stop-typing:alice", "message:alice"}
	if got := f.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if len(s.CurrentTypingUsers()) != 0 {
		t.Fatal("sending should clear the typing indicator")
	}
	if msgs := s.CurrentMessages(); len(msgs) != 1 || msgs[0] != msg {
		t.Fatalf("CurrentMessages() = %+v", msgs)
	}
}

func TestSessionSendWhileIdleEmitsOnlyMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, nil)
	must(t, "join alice", s.JoinChat(ctx, "alice"))
	settle(t, s)
	f := watch(s)

	_, err := s.SendMessage(ctx, "alice", "hi")
	must(t, "send", err)
	settle(t, s)

	if got := f.snapshot(); !reflect.DeepEqual(got, []string{"message:alice"}) {
		t.Fatalf("events = %v", got)
	}
}

func TestSessionTyping(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, nil)
	must(t, "join alice", s.JoinChat(ctx, "alice"))
	f := watch(s)

	must(t, "typing h", s.StartTyping(ctx, "alice", "h"))
	must(t, "typing hi", s.StartTyping(ctx, "alice", "hi"))
	if err := s.StopTyping(ctx, "alice"); err != nil {
		t.Fatalf("StopTyping() error: %v", err)
	}
	if err := s.StopTyping(ctx, "alice"); err != nil {
		t.Fatalf("idle StopTyping() error: %v", err)
	}
	settle(t, s)

	want := []string{"typing:alice", "typing:alice", "stop-typing:alice"}
	if got := f.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestSessionLeaveEmitsSingleEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, nil)
	must(t, "join alice", s.JoinChat(ctx, "alice"))
	must(t, "alice typing", s.StartTyping(ctx, "alice", "bye"))
	settle(t, s)
	f := watch(s)

	must(t, "leave alice", s.LeaveChat(ctx, "alice"))
	settle(t, s)

	if got := f.snapshot(); !reflect.DeepEqual(got, []string{"user-left:alice"}) {
		t.Fatalf("events = %v", got)
	}
	if len(s.CurrentTypingUsers()) != 0 {
		t.Fatal("leaving should clear the typing indicator")
	}
}

func TestSessionTypingSubsetOfPresence(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, nil)

	send := func(u, body string) error {
		_, err := s.SendMessage(ctx, u, body)
		return err
	}
	ops := []struct {
		run     func() error
		wantErr error
	}{
		{func() error { return s.JoinChat(ctx, "alice") }, nil},
		{func() error { return s.JoinChat(ctx, "bob") }, nil},
		{func() error { return s.StartTyping(ctx, "alice", "a") }, nil},
		{func() error { return s.StartTyping(ctx, "bob", "b") }, nil},
		{func() error { return s.LeaveChat(ctx, "alice") }, nil},
		{func() error { return s.StartTyping(ctx, "alice", "again") }, ErrNotConnected},
		{func() error { return send("bob", "done") }, nil},
		{func() error { return s.StartTyping(ctx, "bob", "more") }, nil},
		{func() error { return s.LeaveChat(ctx, "bob") }, nil},
	}
	for i, op := range ops {
		if err := op.run(); !errors.Is(err, op.wantErr) {
			t.Fatalf("op %d error = %v, want %v", i, err, op.wantErr)
		}
		present := map[string]bool{}
		for _, u := range s.CurrentUsers() {
			present[u] = true
		}
		for _, tu := range s.CurrentTypingUsers() {
			if !present[tu.Username] {
				t.Fatalf("after op %d: %q typing but not present", i, tu.Username)
			}
		}
	}
}

func TestSessionUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, nil)

	var n atomic.Int32
	id := s.Subscribe(event.KindUserJoined, func(event.Event) { n.Add(1) })
	must(t, "join alice", s.JoinChat(ctx, "alice"))
	settle(t, s)
	s.Unsubscribe(event.KindUserJoined, id)
	must(t, "join bob", s.JoinChat(ctx, "bob"))
	settle(t, s)

	if got := n.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
}

func TestSessionPublishesAfterReturn(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig("lobby")
	cfg.Bus = bus.Config{Delay: 50 * time.Millisecond}
	s := NewSession(cfg, nil, nil)
	defer s.Close()

	var n atomic.Int32
	s.Subscribe(event.KindUserJoined, func(event.Event) { n.Add(1) })
	must(t, "join alice", s.JoinChat(ctx, "alice"))
	if n.Load() != 0 {
		t.Fatal("handler must not run before JoinChat returns")
	}
	settle(t, s)
	if n.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", n.Load())
	}
}

// countingFabric counts sends passing through to a real member.
type countingFabric struct {
	fabric.Fabric
	sends atomic.Int32
}

func (c *countingFabric) Send(ctx context.Context, evt event.Event) {
	c.sends.Add(1)
	c.Fabric.Send(ctx, evt)
}

func newPair(t *testing.T) (a, b *Session, fa, fb *countingFabric) {
	t.Helper()
	hub := fabric.NewHub()
	fa = &countingFabric{Fabric: hub.Join("room:lobby")}
	fb = &countingFabric{Fabric: hub.Join("room:lobby")}
	t.Cleanup(func() {
		fa.Close()
		fb.Close()
	})

	src := clock.NewManual(1000)
	src.Prefix = "a-"
	cfg := DefaultConfig("lobby")
	cfg.Bus.Delay = 0
	a = NewSession(cfg, src, fa)
	srcB := clock.NewManual(1000)
	srcB.Prefix = "b-"
	b = NewSession(cfg, srcB, fb)
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	return a, b, fa, fb
}

func TestTwoInstancesConverge(t *testing.T) {
	ctx := context.Background()
	a, b, _, _ := newPair(t)
	fb := watch(b)

	must(t, "a joins alice", a.JoinChat(ctx, "alice"))
	eventually(t, "alice on b", func() bool { return len(b.CurrentUsers()) == 1 })

	must(t, "b joins bob", b.JoinChat(ctx, "bob"))
	eventually(t, "bob on a", func() bool { return len(a.CurrentUsers()) == 2 })

	must(t, "alice typing", a.StartTyping(ctx, "alice", "hel"))
	eventually(t, "typing on b", func() bool { return len(b.CurrentTypingUsers()) == 1 })

	msg, err := a.SendMessage(ctx, "alice", "hello")
	must(t, "alice sends", err)
	eventually(t, "message on b", func() bool { return len(b.CurrentMessages()) == 1 })
	settle(t, a, b)

	if got := b.CurrentMessages()[0]; got != msg {
		t.Fatalf("b message = %+v, want %+v", got, msg)
	}
	if len(b.CurrentTypingUsers()) != 0 {
		t.Fatal("remote message should clear typing on b")
	}
	if !reflect.DeepEqual(a.CurrentUsers(), []string{"alice", "bob"}) {
		t.Fatalf("a users = %v", a.CurrentUsers())
	}
	if !reflect.DeepEqual(b.CurrentUsers(), []string{"alice", "bob"}) {
		t.Fatalf("b users = %v", b.CurrentUsers())
	}

	eventually(t, "b feed", func() bool { return fb.count("message:alice") == 1 })
	if n := fb.count("stop-typing:alice"); n != 1 {
		t.Fatalf("b saw %d stop-typing events, want 1", n)
	}

	// Leaving while typing clears the remote typing entry without a
	// separate stop-typing event.
	must(t, "alice types again", a.StartTyping(ctx, "alice", "bye"))
	eventually(t, "typing again on b", func() bool { return len(b.CurrentTypingUsers()) == 1 })
	must(t, "alice leaves", a.LeaveChat(ctx, "alice"))
	eventually(t, "alice gone from b", func() bool { return fb.count("user-left:alice") == 1 })
	settle(t, a, b)

	if !reflect.DeepEqual(b.CurrentUsers(), []string{"bob"}) {
		t.Fatalf("b users after leave = %v, want [bob]", b.CurrentUsers())
	}
	if typing := b.CurrentTypingUsers(); len(typing) != 0 {
		t.Fatalf("b typing after leave = %+v, want none", typing)
	}
	if n := fb.count("stop-typing:alice"); n != 1 {
		t.Fatalf("b saw %d stop-typing events after leave, want 1", n)
	}
	if !reflect.DeepEqual(a.CurrentUsers(), []string{"bob"}) {
		t.Fatalf("a users after leave = %v, want [bob]", a.CurrentUsers())
	}
}

func TestRemoteEventsAreNotRebroadcast(t *testing.T) {
	ctx := context.Background()
	a, b, fa, fb := newPair(t)

	must(t, "join alice", a.JoinChat(ctx, "alice"))
	_, err := a.SendMessage(ctx, "alice", "one")
	must(t, "send", err)
	eventually(t, "message on b", func() bool { return len(b.CurrentMessages()) == 1 })
	settle(t, a, b)
	time.Sleep(20 * time.Millisecond)

	if got := fa.sends.Load(); got != 2 {
		t.Fatalf("a sent %d events, want 2", got)
	}
	if got := fb.sends.Load(); got != 0 {
		t.Fatalf("b rebroadcast %d events, want 0", got)
	}
	if len(a.CurrentMessages()) != 1 {
		t.Fatalf("a has %d messages, want 1", len(a.CurrentMessages()))
	}
}

func TestRemoteTypingImpliesPresence(t *testing.T) {
	ctx := context.Background()
	hub := fabric.NewHub()
	fa := hub.Join("room:lobby")
	defer fa.Close()
	b := newTestSession(t, hub.Join("room:lobby"))
	f := watch(b)

	fa.Send(ctx, event.TypingStart{Username: "carol", Content: "hey", Timestamp: 1})
	eventually(t, "carol typing", func() bool { return len(b.CurrentTypingUsers()) == 1 })
	settle(t, b)

	if !reflect.DeepEqual(b.CurrentUsers(), []string{"carol"}) {
		t.Fatalf("users = %v, want [carol]", b.CurrentUsers())
	}
	want := []string{"user-joined:carol", "typing:carol"}
	if got := f.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRemoteDuplicatesAreIgnored(t *testing.T) {
	ctx := context.Background()
	hub := fabric.NewHub()
	fa := hub.Join("room:lobby")
	defer fa.Close()
	b := newTestSession(t, hub.Join("room:lobby"))
	f := watch(b)

	msg := event.Message{ID: "m1", Username: "carol", Body: "hi", Timestamp: 2}
	fa.Send(ctx, event.UserJoined{Username: "carol", Timestamp: 1})
	fa.Send(ctx, event.UserJoined{Username: "carol", Timestamp: 1})
	fa.Send(ctx, msg)
	fa.Send(ctx, msg)
	fa.Send(ctx, event.TypingStop{Username: "carol", Timestamp: 3})
	fa.Send(ctx, event.UserLeft{Username: "carol", Timestamp: 4})

	eventually(t, "carol left", func() bool { return f.count("user-left:carol") == 1 })
	settle(t, b)

	want := []string{"user-joined:carol", "message:carol", "user-left:carol"}
	if got := f.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if len(b.CurrentMessages()) != 1 {
		t.Fatalf("messages = %d, want 1", len(b.CurrentMessages()))
	}
}

func TestSessionNormalizesUsernames(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, nil)
	f := watch(s)

	must(t, "join padded", s.JoinChat(ctx, " bob "))
	must(t, "join bare", s.JoinChat(ctx, "bob"))
	must(t, "typing padded", s.StartTyping(ctx, "bob  ", "hi"))
	settle(t, s)

	if !reflect.DeepEqual(s.CurrentUsers(), []string{"bob"}) {
		t.Fatalf("users = %v, want [bob]", s.CurrentUsers())
	}
	if typing := s.CurrentTypingUsers(); len(typing) != 1 || typing[0].Username != "bob" {
		t.Fatalf("typing = %+v, want bob", typing)
	}
	if err := s.JoinChat(ctx, "Ålice"); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("JoinChat(Ålice) error = %v, want ErrInvalidUsername", err)
	}
	if err := s.JoinChat(ctx, "   "); !errors.Is(err, ErrEmptyUsername) {
		t.Fatalf("JoinChat(blank) error = %v, want ErrEmptyUsername", err)
	}

	must(t, "leave padded", s.LeaveChat(ctx, "\tbob"))
	settle(t, s)
	want := []string{"user-joined:bob", "typing:bob", "user-left:bob"}
	if got := f.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

// replayFeed rebuilds presence and typing from a delivered event sequence.
func replayFeed(events []string) (present, typing map[string]bool) {
	present, typing = map[string]bool{}, map[string]bool{}
	for _, e := range events {
		kind, user, _ := strings.Cut(e, ":")
		switch kind {
		case "user-joined":
			present[user] = true
		case "user-left":
			delete(present, user)
			delete(typing, user)
		case "typing":
			typing[user] = true
		case "stop-typing", "message":
			delete(typing, user)
		}
	}
	return present, typing
}

func TestRemoteEventsAndLocalLeaveStayOrdered(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		hub := fabric.NewHub()
		remote := hub.Join("room:lobby")
		cfg := DefaultConfig("lobby")
		cfg.Bus.Delay = 0
		local := hub.Join("room:lobby")
		s := NewSession(cfg, clock.NewManual(1000), local)
		f := watch(s)

		must(t, "join alice", s.JoinChat(ctx, "alice"))
		settle(t, s)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			remote.Send(ctx, event.TypingStart{Username: "alice", Content: "hey", Timestamp: 2})
		}()
		go func() {
			defer wg.Done()
			if err := s.LeaveChat(ctx, "alice"); err != nil {
				t.Errorf("LeaveChat() error: %v", err)
			}
		}()
		wg.Wait()
		eventually(t, "remote typing applied", func() bool { return f.count("typing:alice") == 1 })
		settle(t, s)

		present, typing := replayFeed(f.snapshot())
		users := s.CurrentUsers()
		if present["alice"] != (len(users) == 1 && users[0] == "alice") {
			t.Fatalf("round %d: feed %v disagrees with presence %v", i, f.snapshot(), s.CurrentUsers())
		}
		if typing["alice"] != (len(s.CurrentTypingUsers()) == 1) {
			t.Fatalf("round %d: feed %v disagrees with typing %+v", i, f.snapshot(), s.CurrentTypingUsers())
		}

		s.Close()
		local.Close()
		remote.Close()
	}
}
