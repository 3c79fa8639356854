// Package paths resolves the single state root every other component reads
// and writes under, per spec §6.5: FLASHCLAW_HOME, defaulting to
// ~/.flashclaw.
package paths

import (
	"os"
	"path/filepath"
)

const envRoot = "FLASHCLAW_HOME"
const defaultRootName = ".flashclaw"

// Root returns the resolved state root directory. It does not create it.
func Root() string {
	if v := os.Getenv(envRoot); v != "" {
		return ExpandHome(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, defaultRootName)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return home
}

// EnsureRoot creates root and its well-known subdirectories if missing.
func EnsureRoot(root string) error {
	for _, dir := range []string{
		root,
		DataDir(root),
		ConfigDir(root),
		filepath.Join(DataDir(root), "ipc"),
		filepath.Join(DataDir(root), "memory", "users"),
		filepath.Join(DataDir(root), "memory", "sessions"),
		GroupsDir(root),
		LogsDir(root),
		PluginsDir(root),
		CacheDir(root),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func EnvFile(root string) string { return filepath.Join(root, ".env") }
func ConfigDir(root string) string { return filepath.Join(root, "config") }
func PluginsConfigFile(root string) string { return filepath.Join(ConfigDir(root), "plugins.json") }
func DataDir(root string) string { return filepath.Join(root, "data") }
func DBFile(root string) string { return filepath.Join(DataDir(root), "flashclaw.db") }
func PIDFile(root string) string { return filepath.Join(DataDir(root), "flashclaw.pid") }
func SessionsFile(root string) string { return filepath.Join(DataDir(root), "sessions.json") }
func RouterStateFile(root string) string { return filepath.Join(DataDir(root), "router_state.json") }
func RegisteredGroupsFile(root string) string {
	return filepath.Join(DataDir(root), "registered_groups.json")
}
func IPCDir(root string) string { return filepath.Join(DataDir(root), "ipc") }
func IPCGroupDir(root, groupFolder string) string { return filepath.Join(IPCDir(root), groupFolder) }
func IPCMessagesDir(root, groupFolder string) string {
	return filepath.Join(IPCGroupDir(root, groupFolder), "messages")
}
func IPCTasksDir(root, groupFolder string) string {
	return filepath.Join(IPCGroupDir(root, groupFolder), "tasks")
}
func IPCErrorsDir(root, groupFolder string) string {
	return filepath.Join(IPCGroupDir(root, groupFolder), "errors")
}
func MemoryDir(root string) string { return filepath.Join(DataDir(root), "memory") }
func MemoryUsersDir(root string) string { return filepath.Join(MemoryDir(root), "users") }
func MemorySessionsDir(root string) string { return filepath.Join(MemoryDir(root), "sessions") }
func GroupsDir(root string) string { return filepath.Join(root, "groups") }
func GroupDir(root, folder string) string { return filepath.Join(GroupsDir(root), folder) }
func LogsDir(root string) string { return filepath.Join(root, "logs") }
func LogFile(root string) string { return filepath.Join(LogsDir(root), "flashclaw.log") }
func PluginsDir(root string) string { return filepath.Join(root, "plugins") }
func PluginDir(root, name string) string { return filepath.Join(PluginsDir(root), name) }
func CacheDir(root string) string { return filepath.Join(root, "cache") }
func RegistryCacheFile(root string) string { return filepath.Join(CacheDir(root), "registry.json") }
func SessionTrackerCacheFile(root string) string {
	return filepath.Join(CacheDir(root), "session-tracker.json")
}
