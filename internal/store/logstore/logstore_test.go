package logstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xmpbee/xmpbee/internal/session"
)

func TestSanitizeComponent(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"alice@example.org", "alice@example.org"},
		{"a/b\\c", "a_b_c"},
		{"../../etc", "______etc"},
		{".hidden", "_.hidden"},
		{"", "_unknown"},
	}
	for _, tc := range cases {
		if got := sanitizeComponent(tc.in); got != tc.want {
			t.Errorf("sanitizeComponent(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAppendWritesFormattedLineAndDedups(t *testing.T) {
	s := Open(t.TempDir())
	defer s.Close()

	ts := time.Date(2024, 3, 2, 9, 5, 0, 0, time.UTC)
	msg := session.ChatMessage{Timestamp: ts, Sender: "alice", Body: "hello", Kind: session.KindChat}

	if err := s.Append("bob@example.org", "room", msg); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append("bob@example.org", "room", msg); err != nil {
		t.Fatalf("Append duplicate: %v", err)
	}

	path := s.dayFilePath("bob@example.org", "room", ts)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "[09:05:00] alice hello\n"
	if string(data) != want {
		t.Fatalf("file contents = %q, want %q (dedup should have skipped the repeat)", data, want)
	}
}

func TestAppendSystemAndJoinLineFormats(t *testing.T) {
	s := Open(t.TempDir())
	defer s.Close()
	ts := time.Date(2024, 3, 2, 9, 5, 0, 0, time.UTC)

	cases := []struct {
		msg  session.ChatMessage
		want string
	}{
		{session.ChatMessage{Timestamp: ts, Body: "Connecting…", Kind: session.KindSystem}, "[09:05:00] • Connecting…\n"},
		{session.ChatMessage{Timestamp: ts, Sender: "bob", Kind: session.KindJoin}, "[09:05:00] → bob has joined\n"},
		{session.ChatMessage{Timestamp: ts, Sender: "bob", Body: "bye", Kind: session.KindPart}, "[09:05:00] ← bob has left (bye)\n"},
		{session.ChatMessage{Timestamp: ts, Sender: "alice", Body: "rules", Kind: session.KindTopic}, "[09:05:00] ✦ alice changed the topic to: rules\n"},
	}

	for i, tc := range cases {
		room := "room"
		account := "acct"
		if err := s.Append(account, room, tc.msg); err != nil {
			t.Fatalf("case %d: Append: %v", i, err)
		}
		path := s.dayFilePath(account, room, ts)
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("case %d: ReadFile: %v", i, err)
		}
		if !strings.Contains(string(data), tc.want) {
			t.Errorf("case %d: file = %q, want it to contain %q", i, data, tc.want)
		}
		os.Remove(path)
	}
}

func TestLoadRecentHistoryParsesChatAndActionOnly(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)
	defer s.Close()

	day1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)

	for _, m := range []session.ChatMessage{
		{Timestamp: day1, Sender: "alice", Body: "hi", Kind: session.KindChat},
		{Timestamp: day1, Body: "Connecting…", Kind: session.KindSystem},
	} {
		if err := s.Append("acct", "room", m); err != nil {
			t.Fatalf("Append day1: %v", err)
		}
	}
	for _, m := range []session.ChatMessage{
		{Timestamp: day2, Sender: "bob", Body: "waves", Kind: session.KindAction},
		{Timestamp: day2, Sender: "alice", Body: "bye", Kind: session.KindChat},
	} {
		if err := s.Append("acct", "room", m); err != nil {
			t.Fatalf("Append day2: %v", err)
		}
	}

	history, err := s.LoadRecentHistory("acct", "room", 7, 100)
	if err != nil {
		t.Fatalf("LoadRecentHistory: %v", err)
	}

	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3 (system line should not reconstruct), got %+v", len(history), history)
	}
	if history[0].Sender != "alice" || history[0].Body != "hi" {
		t.Errorf("history[0] = %+v", history[0])
	}
	if history[1].Kind != session.KindAction || history[1].Sender != "bob" {
		t.Errorf("history[1] = %+v", history[1])
	}
}

func TestLoadRecentHistoryRespectsLimit(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)
	defer s.Close()

	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m := session.ChatMessage{Timestamp: ts.Add(time.Duration(i) * time.Second), Sender: "alice", Body: "m", Kind: session.KindChat}
		if err := s.Append("acct", "room", m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	history, err := s.LoadRecentHistory("acct", "room", 7, 3)
	if err != nil {
		t.Fatalf("LoadRecentHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
}

func TestLoadRecentHistoryMissingRoomReturnsNil(t *testing.T) {
	s := Open(t.TempDir())
	defer s.Close()

	history, err := s.LoadRecentHistory("acct", "nope", 7, 100)
	if err != nil {
		t.Fatalf("LoadRecentHistory: %v", err)
	}
	if history != nil {
		t.Fatalf("expected nil history for missing room, got %v", history)
	}
}

func TestDMRoomNameIsSanitizedLikeOtherComponents(t *testing.T) {
	s := Open(t.TempDir())
	defer s.Close()
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := s.Append("acct", "DM-bob", session.ChatMessage{Timestamp: ts, Sender: "bob", Body: "hi", Kind: session.KindChat}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	dmDir := filepath.Join(s.root, sanitizeComponent("acct"), sanitizeComponent("DM-bob"))
	if _, err := os.Stat(dmDir); err != nil {
		t.Fatalf("expected DM directory to exist: %v", err)
	}
}
