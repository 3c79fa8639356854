package tools

import (
	"context"
	"fmt"

	"github.com/flashclaw/flashclaw/internal/memory"
)

// memoryRememberTool, memoryRecallTool, and memoryForgetTool expose the
// long-term key/value layer of the Memory Manager (internal/memory) to the
// model, scoped to the calling group via ToolContext.
type memoryRememberTool struct{ mem *memory.Manager }
type memoryRecallTool struct{ mem *memory.Manager }
type memoryForgetTool struct{ mem *memory.Manager }

// NewMemoryTools returns the three memory_* builtins bound to mem.
func NewMemoryTools(mem *memory.Manager) []Tool {
	return []Tool{
		&memoryRememberTool{mem: mem},
		&memoryRecallTool{mem: mem},
		&memoryForgetTool{mem: mem},
	}
}

func (t *memoryRememberTool) Name() string { return "memory_remember" }
func (t *memoryRememberTool) Description() string {
	return "Save a fact for this chat under a short key, so it survives across sessions and context compaction."
}
func (t *memoryRememberTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"key":   map[string]interface{}{"type": "string", "description": "Short identifier for the fact."},
			"value": map[string]interface{}{"type": "string", "description": "The fact to remember."},
		},
		"required": []string{"key", "value"},
	}
}
func (t *memoryRememberTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	groupID := ToolGroupIDFromCtx(ctx)
	key, _ := args["key"].(string)
	value, _ := args["value"].(string)
	if key == "" || value == "" {
		return ErrorResult("key and value are required")
	}
	if err := t.mem.Remember(groupID, key, value); err != nil {
		return ErrorResult(fmt.Sprintf("remember failed: %v", err))
	}
	return NewResult(fmt.Sprintf("已记住: %s", key))
}

func (t *memoryRecallTool) Name() string { return "memory_recall" }
func (t *memoryRecallTool) Description() string {
	return "Recall a previously remembered fact for this chat. Omit key to list everything remembered."
}
func (t *memoryRecallTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"key": map[string]interface{}{"type": "string", "description": "Key to recall; omit to list all facts."},
		},
	}
}
func (t *memoryRecallTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	groupID := ToolGroupIDFromCtx(ctx)
	key, _ := args["key"].(string)
	if key == "" {
		all := t.mem.RecallAll(groupID)
		if all == "" {
			return NewResult("没有已记住的内容")
		}
		return NewResult(all)
	}
	value, ok := t.mem.Recall(groupID, key)
	if !ok {
		return NewResult(fmt.Sprintf("未找到: %s", key))
	}
	return NewResult(value)
}

func (t *memoryForgetTool) Name() string { return "memory_forget" }
func (t *memoryForgetTool) Description() string {
	return "Delete a previously remembered fact for this chat."
}
func (t *memoryForgetTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"key": map[string]interface{}{"type": "string", "description": "Key to forget."},
		},
		"required": []string{"key"},
	}
}
func (t *memoryForgetTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	groupID := ToolGroupIDFromCtx(ctx)
	key, _ := args["key"].(string)
	if key == "" {
		return ErrorResult("key is required")
	}
	if err := t.mem.Forget(groupID, key); err != nil {
		return ErrorResult(fmt.Sprintf("forget failed: %v", err))
	}
	return NewResult(fmt.Sprintf("已忘记: %s", key))
}
