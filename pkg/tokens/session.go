package tokens

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	HeaderSessionID      = "X-Session-ID"
	HeaderConversationID = "X-Conversation-ID"
)

// SessionKey derives the affinity key for a request. An empty key means
// the request is not sticky.
func SessionKey(h http.Header, body []byte) string {
	for _, name := range []string{HeaderSessionID, HeaderConversationID} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	root := gjson.ParseBytes(body)
	if uid := strings.TrimSpace(root.Get("metadata.user_id").String()); uid != "" {
		return "user:" + uid
	}
	first := firstUserMessage(root)
	if first == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(first))
	return "msg:" + hex.EncodeToString(sum[:16])
}

func firstUserMessage(root gjson.Result) string {
	var text string
	collect := func(msg gjson.Result) bool {
		if msg.Get("role").String() != "user" {
			return true
		}
		var parts []string
		addContent(msg.Get("content"), func(s string) { parts = append(parts, s) })
		text = strings.TrimSpace(strings.Join(parts, "\n"))
		return false
	}
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool { return collect(msg) })
	if text == "" {
		if input := root.Get("input"); input.IsArray() {
			input.ForEach(func(_, msg gjson.Result) bool { return collect(msg) })
		}
	}
	return text
}
