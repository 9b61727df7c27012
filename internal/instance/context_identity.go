package instance

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/engineapi"
)

// ChatDigestOptions controls DigestChatMessages.
type ChatDigestOptions struct {
	// DropLastUserMessage removes the final user message before hashing,
	// used when matching an incoming request against an instance's
	// already-ingested prefix (spec §4.3).
	DropLastUserMessage bool
}

// DigestChatMessages computes the chat context identity (spec §4.3): a
// SHA1 over the ordered, role-prefixed, text-flattened concatenation of
// every message except non-leading system messages and tool messages,
// with empty-content messages dropped.
func DigestChatMessages(messages []engineapi.Message, opts ChatDigestOptions) string {
	filtered := filterChatMessages(messages)
	if opts.DropLastUserMessage && len(filtered) > 0 && filtered[len(filtered)-1].Role == "user" {
		filtered = filtered[:len(filtered)-1]
	}
	if len(filtered) == 0 {
		return ""
	}

	var b strings.Builder
	for _, m := range filtered {
		b.WriteString(m.Role)
		b.WriteByte(':')
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	sum := sha1.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// filterChatMessages drops empty-content messages, tool messages, and
// every system message except a leading one.
func filterChatMessages(messages []engineapi.Message) []engineapi.Message {
	out := make([]engineapi.Message, 0, len(messages))
	for i, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role == "tool" {
			continue
		}
		if m.Role == "system" && i != 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// seedChatMessages builds the initial context-identity input from a
// model's configured InitialMessages, for Load's seeding step.
func seedChatMessages(initial []config.ChatMessage) []engineapi.Message {
	out := make([]engineapi.Message, len(initial))
	for i, m := range initial {
		out[i] = engineapi.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// LargestCommonPrefixLen returns the length of the largest common prefix
// of a and b, used for the text-completion context match (spec §4.3:
// "the stored identity is a prefix of the incoming prompt").
func LargestCommonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
