package config

import (
	"path/filepath"
	"strings"
)

// SafeSlug maps a bot id onto a directory name.
func SafeSlug(botID string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(botID) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	slug := strings.Trim(b.String(), "._-")
	if slug == "" {
		return "bot"
	}
	return slug
}

// Workspace is the directory layout owned by one bot's worker.
type Workspace struct {
	Root     string
	Logs     string
	State    string
	Messages string
	Results  string
	Tasks    string
}

// NewWorkspace lays out bots/<slug>/ under workspacesDir.
func NewWorkspace(workspacesDir, botID string) Workspace {
	root := filepath.Join(workspacesDir, SafeSlug(botID))
	return Workspace{
		Root:     root,
		Logs:     filepath.Join(root, "logs"),
		State:    filepath.Join(root, "state"),
		Messages: filepath.Join(root, "messages"),
		Results:  filepath.Join(root, "results"),
		Tasks:    filepath.Join(root, "tasks"),
	}
}

func (w Workspace) Dirs() []string {
	return []string{w.Root, w.Logs, w.State, w.Messages, w.Results, w.Tasks}
}

func (w Workspace) WorkerLockPath() string {
	return filepath.Join(w.State, "daemon-worker.lock")
}

func (w Workspace) WorkerPIDPath() string {
	return filepath.Join(w.State, "daemon-worker.pid")
}

func (w Workspace) ThreadStatePath() string {
	return filepath.Join(w.State, "codex-app-session-state.json")
}

func (w Workspace) ChatLocksDir() string {
	return filepath.Join(w.State, "chat_locks")
}

func (w Workspace) MessageStorePath() string {
	return filepath.Join(w.Messages, "telegram_messages.json")
}

func (w Workspace) WorkerLogPath() string {
	return filepath.Join(w.Logs, "daemon-worker.log")
}

func (w Workspace) AppServerLogPath() string {
	return filepath.Join(w.Logs, "codex-app-server.log")
}

func (w Workspace) ActivityLogPath() string {
	return filepath.Join(w.Logs, "activity.jsonl")
}
