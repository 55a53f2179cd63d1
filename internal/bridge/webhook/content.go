package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// errNoAssistantContent signals the §4.5.2 step 2 "anything else" case: the
// message content didn't match any of the three recognised shapes.
var errNoAssistantContent = fmt.Errorf("webhook: no_assistant_content")

// relayPrefixes are the inter-agent forwarding markers that must never be
// re-forwarded into Matrix, or the bridge would echo an agent's own relayed
// traffic back into the room it came from.
var relayPrefixes = []string{
	"[INTER-AGENT MESSAGE from",
	"[MESSAGE FROM OPENCODE USER]",
	"[FORWARDED FROM",
}

// isRelayContent reports whether text is an inter-agent relay marker that
// the ingress and monitor paths must silently drop.
func isRelayContent(text string) bool {
	for _, p := range relayPrefixes {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

// agentMessage is the subset of an agent-service message envelope the
// content extractor and run-matching logic needs.
type agentMessage struct {
	MessageType string          `json:"message_type"`
	Content     json.RawMessage `json:"content"`
	Date        time.Time       `json:"date"`
	RunID       string          `json:"run_id"`
}

// textPart is one element of the array-of-parts content shape.
type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// extractText implements §4.5.2 step 2: content may be a bare string, an
// array of {type,text} parts (concatenated with newlines), or an object
// carrying a "text" field. Anything else yields errNoAssistantContent.
func extractText(content json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s, nil
	}

	var parts []textPart
	if err := json.Unmarshal(content, &parts); err == nil && len(parts) > 0 {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		if len(texts) > 0 {
			return strings.Join(texts, "\n"), nil
		}
	}

	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &obj); err == nil && obj.Text != "" {
		return obj.Text, nil
	}

	return "", errNoAssistantContent
}

// longestAssistantMessage scans messages for assistant_message entries and
// returns the text of the longest one, per §4.5.2 step 2's "pick the
// longest" rule — a run may emit several partial assistant turns before the
// final one, and the longest is the most likely to be the complete answer.
func longestAssistantMessage(messages []agentMessage) (agentMessage, string, bool) {
	var best agentMessage
	var bestText string
	found := false

	for _, m := range messages {
		if m.MessageType != "assistant_message" {
			continue
		}
		text, err := extractText(m.Content)
		if err != nil {
			continue
		}
		if !found || len(text) > len(bestText) {
			best = m
			bestText = text
			found = true
		}
	}
	return best, bestText, found
}

// verifySignature implements §4.5.2 step 1: header value
// "t=<unix>,v1=<hex>" where hex is HMAC-SHA256("<t>.<rawBody>", secret),
// compared in constant time.
func verifySignature(header string, rawBody []byte, secret string) error {
	t, v1, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(t))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(v1)
	if err != nil {
		return fmt.Errorf("webhook: invalid hex in signature: %w", err)
	}
	if !hmac.Equal(expected, provided) {
		return fmt.Errorf("webhook: signature mismatch")
	}
	return nil
}

func parseSignatureHeader(header string) (t, v1 string, err error) {
	for _, field := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(field), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			t = kv[1]
		case "v1":
			v1 = kv[1]
		}
	}
	if t == "" || v1 == "" {
		return "", "", fmt.Errorf("webhook: malformed X-Letta-Signature header")
	}
	if _, err := strconv.ParseInt(t, 10, 64); err != nil {
		return "", "", fmt.Errorf("webhook: non-numeric timestamp in signature header: %w", err)
	}
	return t, v1, nil
}

// truncate caps s to n runes, appending an ellipsis when it was cut, for
// the §4.5.2 step 5 audit-notice 500-character limit.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
