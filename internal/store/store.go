// Package store is the broker's append-only persistence layer: three
// line-delimited CSV tables under a data directory, one for messages, one
// for users and one for group rosters. Message rows are appended; user and
// group tables are rewritten in full through a temp file and an atomic
// rename. Durability is best-effort: callers log store errors and keep the
// in-memory effect.
package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	messagesHeader = "id,sender,recipient,content,timestamp,isGroup,isFile,filename"
	usersHeader    = "username,passwordHash,createdAt,lastSeen,isOnline"
	groupsHeader   = "groupName,createdBy,createdAt,members"
)

// Message is one persisted chat message. Recipient is a username for direct
// messages and a group name for group messages.
type Message struct {
	ID        uint32
	Sender    string
	Recipient string
	Content   string
	Timestamp uint64
	IsGroup   bool
	IsFile    bool
	Filename  string
}

// User is one row of the users table. PasswordHash is reserved.
type User struct {
	Username     string
	PasswordHash string
	CreatedAt    uint64
	LastSeen     uint64
	IsOnline     bool
}

// Group is one row of the groups table.
type Group struct {
	Name      string
	CreatedBy string
	CreatedAt uint64
	Members   []string
}

// Membership pairs a group name with whether a given user belongs to it.
type Membership struct {
	Group  string
	Member bool
}

// Store owns the three table files. All operations are serialized by a
// single mutex; the broker's dispatcher is the only writer in practice.
type Store struct {
	mu  sync.Mutex
	dir string
	log zerolog.Logger

	messagesPath string
	usersPath    string
	groupsPath   string

	nextMessageID uint32

	now func() uint64 // injectable clock for tests
}

// Open creates the data directory and table files if absent and loads the
// next message id (one greater than the maximum id on disk).
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	s := &Store{
		dir:           dir,
		log:           logger.With().Str("component", "store").Logger(),
		messagesPath:  filepath.Join(dir, "messages.csv"),
		usersPath:     filepath.Join(dir, "users.csv"),
		groupsPath:    filepath.Join(dir, "groups.csv"),
		nextMessageID: 1,
		now:           func() uint64 { return uint64(time.Now().Unix()) },
	}
	for _, t := range []struct{ path, header string }{
		{s.messagesPath, messagesHeader},
		{s.usersPath, usersHeader},
		{s.groupsPath, groupsHeader},
	} {
		if err := ensureFile(t.path, t.header); err != nil {
			return nil, err
		}
	}
	if err := s.loadNextMessageID(); err != nil {
		return nil, err
	}
	s.log.Info().Str("dir", dir).Uint32("next_message_id", s.nextMessageID).Msg("Store opened")
	return s, nil
}

func ensureFile(path, header string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(header+"\n"), 0o644); err != nil {
		return fmt.Errorf("store: init %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) loadNextMessageID() error {
	rows, err := readRows(s.messagesPath)
	if err != nil {
		return err
	}
	for _, parts := range rows {
		if len(parts) < 1 {
			continue
		}
		id, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			continue
		}
		if uint32(id) >= s.nextMessageID {
			s.nextMessageID = uint32(id) + 1
		}
	}
	return nil
}

// ---------- messages ----------

// AppendMessage persists one message and returns the allocated id. Ids are
// strictly increasing over the lifetime of the store.
func (s *Store) AppendMessage(sender, recipient, content string, isGroup, isFile bool, filename string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextMessageID
	row := strings.Join([]string{
		strconv.FormatUint(uint64(id), 10),
		sanitize(sender),
		sanitize(recipient),
		sanitize(content),
		strconv.FormatUint(s.now(), 10),
		boolField(isGroup),
		boolField(isFile),
		sanitize(filename),
	}, ",")
	if err := appendLine(s.messagesPath, row); err != nil {
		return 0, fmt.Errorf("store: append message: %w", err)
	}
	s.nextMessageID++
	return id, nil
}

// GroupHistory returns the last limit messages addressed to the given group
// topic, oldest first.
func (s *Store) GroupHistory(topic string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterMessages(limit, func(m Message) bool {
		return m.Recipient == topic
	})
}

// DirectHistory returns the last limit messages exchanged between the two
// users (either direction), oldest first.
func (s *Store) DirectHistory(a, b string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterMessages(limit, func(m Message) bool {
		if m.IsGroup {
			return false
		}
		return (m.Sender == a && m.Recipient == b) || (m.Sender == b && m.Recipient == a)
	})
}

func (s *Store) filterMessages(limit int, keep func(Message) bool) ([]Message, error) {
	rows, err := readRows(s.messagesPath)
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, parts := range rows {
		m, ok := parseMessage(parts)
		if ok && keep(m) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func parseMessage(parts []string) (Message, bool) {
	if len(parts) < 8 {
		return Message{}, false
	}
	id, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Message{}, false
	}
	ts, _ := strconv.ParseUint(parts[4], 10, 64)
	return Message{
		ID:        uint32(id),
		Sender:    parts[1],
		Recipient: parts[2],
		Content:   parts[3],
		Timestamp: ts,
		IsGroup:   parts[5] == "1",
		IsFile:    parts[6] == "1",
		Filename:  parts[7],
	}, true
}

// ---------- users ----------

// SaveUser creates the user row on first login and touches lastSeen plus
// the online flag on later ones.
func (s *Store) SaveUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.readUsers()
	if err != nil {
		return err
	}
	now := s.now()
	for i := range users {
		if users[i].Username == username {
			users[i].LastSeen = now
			users[i].IsOnline = true
			return s.writeUsers(users)
		}
	}
	row := strings.Join([]string{
		sanitize(username), "", strconv.FormatUint(now, 10), strconv.FormatUint(now, 10), "1",
	}, ",")
	if err := appendLine(s.usersPath, row); err != nil {
		return fmt.Errorf("store: append user: %w", err)
	}
	return nil
}

// SetUserOnline rewrites the user's online flag and lastSeen.
func (s *Store) SetUserOnline(username string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.readUsers()
	if err != nil {
		return err
	}
	for i := range users {
		if users[i].Username == username {
			users[i].IsOnline = online
			users[i].LastSeen = s.now()
		}
	}
	return s.writeUsers(users)
}

// Users returns every user row.
func (s *Store) Users() ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readUsers()
}

func (s *Store) readUsers() ([]User, error) {
	rows, err := readRows(s.usersPath)
	if err != nil {
		return nil, err
	}
	var users []User
	for _, parts := range rows {
		if len(parts) < 5 {
			continue
		}
		created, _ := strconv.ParseUint(parts[2], 10, 64)
		seen, _ := strconv.ParseUint(parts[3], 10, 64)
		users = append(users, User{
			Username:     parts[0],
			PasswordHash: parts[1],
			CreatedAt:    created,
			LastSeen:     seen,
			IsOnline:     parts[4] == "1",
		})
	}
	return users, nil
}

func (s *Store) writeUsers(users []User) error {
	var b strings.Builder
	b.WriteString(usersHeader + "\n")
	for _, u := range users {
		b.WriteString(strings.Join([]string{
			sanitize(u.Username),
			sanitize(u.PasswordHash),
			strconv.FormatUint(u.CreatedAt, 10),
			strconv.FormatUint(u.LastSeen, 10),
			boolField(u.IsOnline),
		}, ","))
		b.WriteByte('\n')
	}
	return rewriteAtomic(s.usersPath, b.String())
}

// ---------- groups ----------

// SaveGroup records a new group with the creator as sole member. It returns
// true when the group did not previously exist; an existing record is left
// untouched and false is returned.
func (s *Store) SaveGroup(name, creator string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.readGroups()
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g.Name == name {
			return false, nil
		}
	}
	row := strings.Join([]string{
		sanitize(name), sanitize(creator), strconv.FormatUint(s.now(), 10), sanitize(creator),
	}, ",")
	if err := appendLine(s.groupsPath, row); err != nil {
		return false, fmt.Errorf("store: append group: %w", err)
	}
	return true, nil
}

// AddGroupMember appends the user to the group's member list; adding an
// existing member is a no-op.
func (s *Store) AddGroupMember(name, username string) error {
	return s.updateGroup(name, func(g *Group) {
		for _, m := range g.Members {
			if m == username {
				return
			}
		}
		g.Members = append(g.Members, username)
	})
}

// RemoveGroupMember drops the user from the member list. The group record
// survives an empty member list.
func (s *Store) RemoveGroupMember(name, username string) error {
	return s.updateGroup(name, func(g *Group) {
		for i, m := range g.Members {
			if m == username {
				g.Members = append(g.Members[:i], g.Members[i+1:]...)
				return
			}
		}
	})
}

func (s *Store) updateGroup(name string, mutate func(*Group)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.readGroups()
	if err != nil {
		return err
	}
	found := false
	for i := range groups {
		if groups[i].Name == name {
			mutate(&groups[i])
			found = true
		}
	}
	if !found {
		return nil
	}
	return s.writeGroups(groups)
}

// IsGroupMember reports persisted membership.
func (s *Store) IsGroupMember(name, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.readGroups()
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g.Name == name {
			for _, m := range g.Members {
				if m == username {
					return true, nil
				}
			}
			return false, nil
		}
	}
	return false, nil
}

// GroupsWithMembership lists every persisted group paired with whether the
// given user is a member, in file order.
func (s *Store) GroupsWithMembership(username string) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.readGroups()
	if err != nil {
		return nil, err
	}
	out := make([]Membership, 0, len(groups))
	for _, g := range groups {
		member := false
		for _, m := range g.Members {
			if m == username {
				member = true
				break
			}
		}
		out = append(out, Membership{Group: g.Name, Member: member})
	}
	return out, nil
}

// Groups returns every group row.
func (s *Store) Groups() ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readGroups()
}

func (s *Store) readGroups() ([]Group, error) {
	rows, err := readRows(s.groupsPath)
	if err != nil {
		return nil, err
	}
	var groups []Group
	for _, parts := range rows {
		if len(parts) < 4 {
			continue
		}
		created, _ := strconv.ParseUint(parts[2], 10, 64)
		var members []string
		for _, m := range strings.Split(parts[3], ";") {
			if m != "" {
				members = append(members, m)
			}
		}
		groups = append(groups, Group{
			Name:      parts[0],
			CreatedBy: parts[1],
			CreatedAt: created,
			Members:   members,
		})
	}
	return groups, nil
}

func (s *Store) writeGroups(groups []Group) error {
	var b strings.Builder
	b.WriteString(groupsHeader + "\n")
	for _, g := range groups {
		b.WriteString(strings.Join([]string{
			sanitize(g.Name),
			sanitize(g.CreatedBy),
			strconv.FormatUint(g.CreatedAt, 10),
			strings.Join(g.Members, ";"),
		}, ","))
		b.WriteByte('\n')
	}
	return rewriteAtomic(s.groupsPath, b.String())
}

// ---------- file plumbing ----------

// readRows returns every data row (header skipped) split on commas.
func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var rows [][]string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			first = false
			continue
		}
		if line == "" {
			continue
		}
		rows = append(rows, strings.Split(line, ","))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", filepath.Base(path), err)
	}
	return rows, nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// rewriteAtomic replaces the table through a temp file and rename so a
// crash mid-rewrite cannot leave a torn file.
func rewriteAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}

// sanitize keeps the tables line- and comma-delimited: commas become
// semicolons, newlines and carriage returns become spaces.
func sanitize(s string) string {
	if !strings.ContainsAny(s, ",\n\r") {
		return s
	}
	r := strings.NewReplacer(",", ";", "\n", " ", "\r", " ")
	return r.Replace(s)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
