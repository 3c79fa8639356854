package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/flashclaw/flashclaw/internal/providers"
	"github.com/flashclaw/flashclaw/internal/tools"
)

// Tool-use recursion contract constants (spec §4.2).
const (
	maxToolResultChars   = 4000
	keepRecentToolRounds = 2
	maxToolCallDepth     = 20
)

const toolDepthFallback = "[工具调用链过深（超过 20 轮），已强制终止]"

// toolRoundResult carries one completed tool-use round's outcome back to the
// agent runner for usage accounting and MEDIA: extraction.
type toolRoundResult struct {
	content    string
	messages   []providers.Message
	usage      providers.Usage
	mediaFiles []MediaResult
}

// handleToolUse implements spec §4.2's tool-use recursion contract:
// tool_use blocks within one assistant turn execute strictly sequentially
// in emission order (never in parallel — see spec §5's concurrency model),
// results are truncated and wrapped as tool_result/is_error blocks, and
// history older than keepRecentToolRounds rounds is compressed before each
// follow-up call.
func (l *Loop) handleToolUse(
	ctx context.Context,
	req RunRequest,
	initial *providers.ChatResponse,
	messages []providers.Message,
	toolDefs []providers.ToolDefinition,
	model string,
	maxTokens int,
	temperature float64,
	heartbeat func(),
	onToken func(string),
) (toolRoundResult, error) {
	var out toolRoundResult
	resp := initial
	depth := 0

	for {
		if len(resp.ToolCalls) == 0 {
			out.content = resp.Content
			out.messages = messages
			return out, nil
		}

		assistantMsg := providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent,
		}
		messages = append(messages, assistantMsg)

		// Step 3: sequential execution, in emission order.
		for _, tc := range resp.ToolCalls {
			heartbeat()
			l.emitToolCall(req, tc)

			result := l.tools.ExecuteWithContext(ctx, tc.Name, tc.Arguments, req.ChatID, req.GroupID, req.UserID)
			toolMsg := toToolMessage(tc, result)
			if mr := parseMediaResult(result.ForLLM); mr != nil {
				out.mediaFiles = append(out.mediaFiles, *mr)
			}
			l.emitToolResult(req, tc, toolMsg.IsError)

			messages = append(messages, toolMsg)
		}
		heartbeat()

		depth++
		if depth >= keepRecentToolRounds {
			messages = compressOldToolRounds(messages, keepRecentToolRounds)
		}

		if depth >= maxToolCallDepth {
			out.content = resp.Content
			if out.content == "" {
				out.content = toolDepthFallback
			}
			out.messages = messages
			return out, nil
		}

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   maxTokens,
				providers.OptTemperature: temperature,
			},
		}

		follow, err := l.provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
			heartbeat()
			if onToken != nil && chunk.Content != "" {
				onToken(chunk.Content)
			}
		})
		if err != nil {
			out.messages = messages
			return out, fmt.Errorf("tool-use follow-up call failed (depth %d): %w", depth, err)
		}
		if follow.Usage != nil {
			out.usage.PromptTokens += follow.Usage.PromptTokens
			out.usage.CompletionTokens += follow.Usage.CompletionTokens
			out.usage.TotalTokens += follow.Usage.TotalTokens
			out.usage.ThinkingTokens += follow.Usage.ThinkingTokens
		}

		if len(follow.ToolCalls) == 0 {
			out.content = follow.Content
			out.messages = messages
			return out, nil
		}
		resp = follow
	}
}

// toToolMessage wraps one tool execution result as a role="tool" message,
// applying MAX_TOOL_RESULT_CHARS truncation and the is_error/failure-text
// wrapping spec §4.2 step 3 requires.
func toToolMessage(tc providers.ToolCall, result *tools.Result) providers.Message {
	if result.Err != nil {
		return providers.Message{
			Role:       "tool",
			Content:    truncateToolResult("工具执行失败: " + result.Err.Error()),
			ToolCallID: tc.ID,
			IsError:    true,
		}
	}
	if result.IsError {
		return providers.Message{
			Role:       "tool",
			Content:    truncateToolResult(result.ForLLM),
			ToolCallID: tc.ID,
			IsError:    true,
		}
	}
	return providers.Message{
		Role:       "tool",
		Content:    truncateToolResult(result.ForLLM),
		ToolCallID: tc.ID,
	}
}

// truncateToolResult implements spec §4.2's truncate(): s unchanged if
// within MAX_TOOL_RESULT_CHARS, else cut with a Chinese-language notice
// naming the original length. Lengths and the cut point are rune counts,
// matching the spec's `.length` budget and avoiding splitting a
// multi-byte CJK rune mid-character.
func truncateToolResult(s string) string {
	runes := []rune(s)
	if len(runes) <= maxToolResultChars {
		return s
	}
	return fmt.Sprintf("%s\n...(内容已截断，原始 %d 字符)", string(runes[:maxToolResultChars]), len(runes))
}

// compressOldToolRounds rewrites every tool-use round older than the
// keepRecent newest rounds into a compact plain-text placeholder, per spec
// §4.2's history-compression rule. A "round" is one assistant message
// containing tool_use blocks plus its immediately following tool-result
// messages; both halves are rewritten together so the transcript stays
// self-consistent.
func compressOldToolRounds(messages []providers.Message, keepRecent int) []providers.Message {
	type round struct {
		assistantIdx int
		toolIdx      []int
	}

	var rounds []round
	for i := 0; i < len(messages); i++ {
		if messages[i].Role == "assistant" && len(messages[i].ToolCalls) > 0 {
			r := round{assistantIdx: i}
			for j := i + 1; j < len(messages) && messages[j].Role == "tool"; j++ {
				r.toolIdx = append(r.toolIdx, j)
			}
			rounds = append(rounds, r)
		}
	}

	if len(rounds) <= keepRecent {
		return messages
	}

	toCompress := rounds[:len(rounds)-keepRecent]
	out := make([]providers.Message, len(messages))
	copy(out, messages)

	for _, r := range toCompress {
		asst := out[r.assistantIdx]
		toolByID := make(map[string]int, len(r.toolIdx))
		for _, idx := range r.toolIdx {
			toolByID[out[idx].ToolCallID] = idx
		}

		var lines []string
		if strings.TrimSpace(asst.Content) != "" {
			lines = append(lines, asst.Content)
		}
		for _, tc := range asst.ToolCalls {
			lines = append(lines, fmt.Sprintf("[已执行工具 %s(%s)]", tc.Name, previewArgs(tc.Arguments, 80)))
		}
		out[r.assistantIdx] = providers.Message{
			Role:    "assistant",
			Content: strings.Join(lines, "\n"),
		}

		for _, tc := range asst.ToolCalls {
			idx, ok := toolByID[tc.ID]
			if !ok {
				continue
			}
			toolMsg := out[idx]
			preview := previewText(toolMsg.Content, 100)
			if toolMsg.IsError {
				out[idx] = providers.Message{Role: "user", Content: fmt.Sprintf("[失败: %s]", preview)}
			} else {
				out[idx] = providers.Message{Role: "user", Content: fmt.Sprintf("[成功: %s]", preview)}
			}
		}
	}

	return out
}

func previewArgs(args map[string]interface{}, max int) string {
	parts := make([]string, 0, len(args))
	for k, v := range args {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return previewText(strings.Join(parts, ", "), max)
}

func previewText(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
