package memory

import (
	"encoding/json"
	"math"

	"github.com/flashclaw/flashclaw/internal/providers"
)

// EstimateTokens approximates the token cost of a chunk of text: CJK
// characters count 1:1, everything else is charged at one token per four
// characters, plus a flat framing overhead. Matching the TS estimator so
// compaction thresholds behave the same across ports.
func EstimateTokens(content string) int {
	if content == "" {
		return 10
	}
	cjk, other := 0, 0
	for _, r := range content {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	n := cjk + int(math.Ceil(float64(other)/4)) + 10
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessageTokens estimates the token cost of one provider message,
// including image blocks which are JSON-encoded before counting (matching
// the TS "array content by JSON.stringify" rule).
func EstimateMessageTokens(msg providers.Message) int {
	if len(msg.Images) == 0 && msg.RawAssistantContent == nil {
		return EstimateTokens(msg.Content)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return EstimateTokens(msg.Content)
	}
	return EstimateTokens(string(data))
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK Unified Ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK Extension A
		return true
	case r >= 0x3040 && r <= 0x30FF: // Hiragana + Katakana
		return true
	case r >= 0xAC00 && r <= 0xD7A3: // Hangul syllables
		return true
	case r >= 0xF900 && r <= 0xFAFF: // CJK compatibility ideographs
		return true
	default:
		return false
	}
}
