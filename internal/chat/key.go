package chat

import "strings"

// ConversationKey derives the bucket key for a two-party thread. The key is
// order-independent so sender/receiver order never creates duplicate
// buckets: ConversationKey(a, b) == ConversationKey(b, a).
func ConversationKey(a, b string) string {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
