package chat

import "testing"

func TestDeriveTitleTruncatesLongContent(t *testing.T) {
	got := DeriveTitle("Hello world, this is a long message exceeding thirty characters")
	want := "Hello world, this is a long me..."
	if got != want {
		t.Fatalf("unexpected title: got %q want %q", got, want)
	}
}

func TestDeriveTitleKeepsShortContent(t *testing.T) {
	if got := DeriveTitle("hi"); got != "hi" {
		t.Fatalf("unexpected title: %q", got)
	}
	exact := "123456789012345678901234567890"
	if got := DeriveTitle(exact); got != exact {
		t.Fatalf("title of exactly 30 characters should not get an ellipsis: %q", got)
	}
}

func TestDeriveTitleCountsRunes(t *testing.T) {
	content := "你好你好你好你好你好你好你好你好你好你好你好你好你好你好你好你好"
	got := DeriveTitle(content)
	if want := string([]rune(content)[:30]) + "..."; got != want {
		t.Fatalf("unexpected title: got %q want %q", got, want)
	}
}

func TestParseRole(t *testing.T) {
	if _, err := ParseRole("user"); err != nil {
		t.Fatalf("user role rejected: %v", err)
	}
	if _, err := ParseRole("assistant"); err != nil {
		t.Fatalf("assistant role rejected: %v", err)
	}
	if _, err := ParseRole("system"); err == nil {
		t.Fatal("expected error for system role")
	}
}

func TestCloneDoesNotShareMessages(t *testing.T) {
	s := &Session{ID: "s1", Title: SentinelTitle, Messages: []Message{{ID: "m1", Content: "hi"}}}
	c := s.Clone()
	c.Messages[0].Content = "changed"
	if s.Messages[0].Content != "hi" {
		t.Fatal("clone shares message storage with the original")
	}
	if !s.Untitled() {
		t.Fatal("expected sentinel title to report untitled")
	}
}
