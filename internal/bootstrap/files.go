package bootstrap

// Well-known files inside a group workspace directory
// (groups/<folder>/...), per the filesystem layout.
const (
	// SoulFile holds the agent's persona/identity description, seeded
	// once with a default template and then hand-edited per group.
	SoulFile = "SOUL.md"
	// ClaudeFile is an optional per-group override of the default
	// system-prompt template. When absent, agent.BuildSystemPrompt falls
	// back to its built-in default template instead of seeding this file,
	// so that a group with no override still gets the latest built-in
	// template after a binary upgrade.
	ClaudeFile = "CLAUDE.md"
	// LogsDir is the per-group subdirectory for session transcript logs.
	LogsDir = "logs"
)
