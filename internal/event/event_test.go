package event

import "testing"

func TestKindNames(t *testing.T) {
	tests := []struct {
		kind Kind
		name string
	}{
		{KindMessage, "message"},
		{KindTypingStart, "typing"},
		{KindTypingStop, "stop-typing"},
		{KindUserJoined, "user-joined"},
		{KindUserLeft, "user-left"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			parsed, err := ParseKind(tt.name)
			if err != nil {
				t.Fatalf("ParseKind(%q) error: %v", tt.name, err)
			}
			if parsed != tt.kind {
				t.Errorf("ParseKind(%q) = %v, want %v", tt.name, parsed, tt.kind)
			}
			if !tt.kind.Valid() {
				t.Errorf("%v.Valid() = false", tt.kind)
			}
		})
	}
}

func TestUnknownKind(t *testing.T) {
	if Kind(0).Valid() {
		t.Error("zero kind should be invalid")
	}
	if Kind(42).Valid() {
		t.Error("kind 42 should be invalid")
	}
	if _, err := ParseKind("reaction"); err == nil {
		t.Error("expected error for unknown kind name")
	}
	if got := Kind(42).String(); got != "kind(42)" {
		t.Errorf("String() = %q, want %q", got, "kind(42)")
	}
}

func TestEventAccessors(t *testing.T) {
	events := []Event{
		Message{ID: "m1", Username: "alice", Body: "hi", Timestamp: 1},
		TypingStart{Username: "alice", Content: "h", Timestamp: 2},
		TypingStop{Username: "alice", Timestamp: 3},
		UserJoined{Username: "alice", Timestamp: 4},
		UserLeft{Username: "alice", Timestamp: 5},
	}

	for i, e := range events {
		if e.Kind() != Kinds[i] {
			t.Errorf("event %d: Kind() = %v, want %v", i, e.Kind(), Kinds[i])
		}
		if e.Time() != int64(i+1) {
			t.Errorf("event %d: Time() = %d, want %d", i, e.Time(), i+1)
		}
		if Username(e) != "alice" {
			t.Errorf("event %d: Username() = %q, want alice", i, Username(e))
		}
	}
}
