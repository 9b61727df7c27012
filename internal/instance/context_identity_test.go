package instance

import (
	"testing"

	"github.com/basket/inferd/internal/engineapi"
)

func TestDigestChatMessages_DropsSystemToolAndEmpty(t *testing.T) {
	msgs := []engineapi.Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "hi"},
		{Role: "tool", Content: "tool output"},
		{Role: "system", Content: "ignored, not leading"},
		{Role: "assistant", Content: ""},
		{Role: "assistant", Content: "hello"},
	}
	got := DigestChatMessages(msgs, ChatDigestOptions{})

	want := DigestChatMessages([]engineapi.Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}, ChatDigestOptions{})

	if got != want {
		t.Fatalf("digest mismatch: got %s want %s", got, want)
	}
}

func TestDigestChatMessages_DropLastUserMessage(t *testing.T) {
	msgs := []engineapi.Message{
		{Role: "user", Content: "fun fact about bears"},
		{Role: "assistant", Content: "bears hibernate"},
		{Role: "user", Content: "another one please"},
	}
	withLast := DigestChatMessages(msgs, ChatDigestOptions{})
	dropped := DigestChatMessages(msgs, ChatDigestOptions{DropLastUserMessage: true})

	if withLast == dropped {
		t.Fatal("expected dropping the last user message to change the digest")
	}

	prefix := DigestChatMessages(msgs[:2], ChatDigestOptions{})
	if dropped != prefix {
		t.Fatalf("expected drop-last digest to equal the 2-message prefix digest: %s != %s", dropped, prefix)
	}
}

func TestDigestChatMessages_Deterministic(t *testing.T) {
	msgs := []engineapi.Message{{Role: "user", Content: "count to ten"}}
	a := DigestChatMessages(msgs, ChatDigestOptions{})
	b := DigestChatMessages(msgs, ChatDigestOptions{})
	if a != b {
		t.Fatal("expected identical input to produce identical digest")
	}
	if len(a) != 40 {
		t.Fatalf("expected a 40-char hex sha1 digest, got %d chars", len(a))
	}
}

func TestLargestCommonPrefixLen(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"hello world", "hello there", 6},
		{"abc", "abc", 3},
		{"abc", "xyz", 0},
		{"", "abc", 0},
		{"abcdef", "abc", 3},
	}
	for _, tc := range cases {
		if got := LargestCommonPrefixLen(tc.a, tc.b); got != tc.want {
			t.Errorf("LargestCommonPrefixLen(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
