package roomindex

import "testing"

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func TestJoinReflexiveInvariant(t *testing.T) {
	idx := New()
	idx.Join("p1", "room-x")

	if !contains(idx.Members("room-x"), "p1") {
		t.Error("expected p1 in room-x members")
	}
	if !contains(idx.RoomsOf("p1"), "room-x") {
		t.Error("expected room-x in p1's rooms")
	}
}

func TestLeaveDestroysEmptyRoom(t *testing.T) {
	idx := New()
	idx.Join("p1", "room-x")
	idx.Leave("p1", "room-x")

	if idx.Exists("room-x") {
		t.Error("expected room-x to be destroyed once empty")
	}
	if len(idx.RoomsOf("p1")) != 0 {
		t.Error("expected p1 to have no rooms left")
	}
}

func TestLeaveAllRemovesFromEveryRoom(t *testing.T) {
	idx := New()
	idx.Join("p1", "a")
	idx.Join("p1", "b")
	idx.Join("p2", "a")

	idx.LeaveAll("p1")

	if contains(idx.Members("a"), "p1") {
		t.Error("p1 should have left room a")
	}
	if idx.Exists("b") {
		t.Error("room b should be destroyed (p1 was its only member)")
	}
	if !contains(idx.Members("a"), "p2") {
		t.Error("p2 should remain in room a")
	}
}

func TestRoomCountAndSize(t *testing.T) {
	idx := New()
	idx.Join("p1", "a")
	idx.Join("p2", "a")
	idx.Join("p3", "b")

	if idx.RoomCount() != 2 {
		t.Errorf("expected 2 rooms, got %d", idx.RoomCount())
	}
	if idx.Size("a") != 2 {
		t.Errorf("expected room a size 2, got %d", idx.Size("a"))
	}
}
