package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestOpenInitializesTables(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(dir, zerolog.Nop()); err != nil {
		t.Fatalf("open: %v", err)
	}
	for file, header := range map[string]string{
		"messages.csv": "id,sender,recipient,content,timestamp,isGroup,isFile,filename",
		"users.csv":    "username,passwordHash,createdAt,lastSeen,isOnline",
		"groups.csv":   "groupName,createdBy,createdAt,members",
	} {
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			t.Fatalf("read %s: %v", file, err)
		}
		if !strings.HasPrefix(string(data), header+"\n") {
			t.Errorf("%s header = %q", file, strings.SplitN(string(data), "\n", 2)[0])
		}
	}
}

func TestAppendMessageIDsStrictlyIncrease(t *testing.T) {
	s := newTestStore(t)
	var last uint32
	for i := 0; i < 5; i++ {
		id, err := s.AppendMessage("alice", "bob", "hello", false, false, "")
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestNextIDSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var last uint32
	for i := 0; i < 3; i++ {
		last, _ = s.AppendMessage("alice", "bob", "m", false, false, "")
	}
	s2, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	id, err := s2.AppendMessage("alice", "bob", "m", false, false, "")
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if id != last+1 {
		t.Fatalf("id after reopen = %d, want %d", id, last+1)
	}
}

func TestDirectHistoryBothDirections(t *testing.T) {
	s := newTestStore(t)
	s.AppendMessage("alice", "bob", "one", false, false, "")
	s.AppendMessage("bob", "alice", "two", false, false, "")
	s.AppendMessage("alice", "carol", "other pair", false, false, "")
	s.AppendMessage("alice", "team", "group row", true, false, "")

	msgs, err := s.DirectHistory("alice", "bob", 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "one" || msgs[1].Content != "two" {
		t.Fatalf("wrong order/content: %+v", msgs)
	}
}

func TestGroupHistoryLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 60; i++ {
		s.AppendMessage("alice", "team", "msg", true, false, "")
	}
	msgs, err := s.GroupHistory("team", 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 50 {
		t.Fatalf("got %d messages, want 50", len(msgs))
	}
	// Last 50 of 60: first returned id is 11.
	if msgs[0].ID != 11 {
		t.Fatalf("first id = %d, want 11", msgs[0].ID)
	}
}

func TestFileMessageRow(t *testing.T) {
	s := newTestStore(t)
	s.AppendMessage("alice", "bob", "[FILE] notes.txt", false, true, "notes.txt")
	msgs, _ := s.DirectHistory("alice", "bob", 50)
	if len(msgs) != 1 || !msgs[0].IsFile || msgs[0].Filename != "notes.txt" {
		t.Fatalf("file row mismatch: %+v", msgs)
	}
}

func TestSanitizeFields(t *testing.T) {
	s := newTestStore(t)
	s.AppendMessage("alice", "bob", "a,b\nc\rd", false, false, "")
	msgs, _ := s.DirectHistory("alice", "bob", 50)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Content != "a;b c d" {
		t.Fatalf("sanitized content = %q", msgs[0].Content)
	}
}

func TestSaveUserCreateAndTouch(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveUser("alice"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveUser("alice"); err != nil {
		t.Fatalf("second save: %v", err)
	}
	users, err := s.Users()
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("got %d user rows, want 1", len(users))
	}
	if !users[0].IsOnline {
		t.Error("user should be online after save")
	}

	if err := s.SetUserOnline("alice", false); err != nil {
		t.Fatalf("set offline: %v", err)
	}
	users, _ = s.Users()
	if users[0].IsOnline {
		t.Error("user should be offline")
	}
}

func TestGroupLifecycle(t *testing.T) {
	s := newTestStore(t)

	isNew, err := s.SaveGroup("lunch", "alice")
	if err != nil || !isNew {
		t.Fatalf("first save: new=%v err=%v", isNew, err)
	}
	isNew, err = s.SaveGroup("lunch", "bob")
	if err != nil || isNew {
		t.Fatalf("second save must not be new: new=%v err=%v", isNew, err)
	}

	if err := s.AddGroupMember("lunch", "bob"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	// Idempotent add.
	if err := s.AddGroupMember("lunch", "bob"); err != nil {
		t.Fatalf("re-add member: %v", err)
	}
	groups, _ := s.Groups()
	if len(groups) != 1 || len(groups[0].Members) != 2 {
		t.Fatalf("members = %v", groups)
	}
	if groups[0].CreatedBy != "alice" {
		t.Errorf("creator = %q", groups[0].CreatedBy)
	}

	ok, _ := s.IsGroupMember("lunch", "bob")
	if !ok {
		t.Error("bob should be a member")
	}

	if err := s.RemoveGroupMember("lunch", "alice"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveGroupMember("lunch", "bob"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// Record survives an empty member list.
	groups, _ = s.Groups()
	if len(groups) != 1 || len(groups[0].Members) != 0 {
		t.Fatalf("empty group should persist: %+v", groups)
	}
}

func TestGroupsWithMembership(t *testing.T) {
	s := newTestStore(t)
	s.SaveGroup("lunch", "alice")
	s.SaveGroup("team", "bob")
	s.AddGroupMember("team", "alice")

	ms, err := s.GroupsWithMembership("alice")
	if err != nil {
		t.Fatalf("memberships: %v", err)
	}
	want := map[string]bool{"lunch": true, "team": true}
	if len(ms) != 2 {
		t.Fatalf("got %d rows", len(ms))
	}
	for _, m := range ms {
		if m.Member != want[m.Group] {
			t.Errorf("%s member=%v", m.Group, m.Member)
		}
	}
}
