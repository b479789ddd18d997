package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment keys. viper's AutomaticEnv maps each lower-case key onto its
// upper-case variable.
const (
	KeyRoot             = "sonolbot_root"
	KeyBotsConfig       = "sonolbot_bots_config"
	KeyWorkspacesDir    = "sonolbot_bot_workspaces_dir"
	KeyBotID            = "sonolbot_bot_id"
	KeyBotToken         = "telegram_bot_token"
	KeyAllowedUsers     = "telegram_allowed_users"
	KeyLogsDir          = "logs_dir"
	KeyTasksDir         = "tasks_dir"
	KeyWorkDir          = "work_dir"
	KeyLogLevel         = "sonolbot_log_level"
	KeyMetricsAddr      = "sonolbot_metrics_addr"
	KeyPartitionByChat  = "sonolbot_tasks_partition_by_chat"
	KeyTaskSearchLLM    = "sonolbot_task_search_llm"
	KeyCodexBin         = "sonolbot_codex_bin"
	KeyCodexModel       = "sonolbot_codex_model"
	KeyCodexEffort      = "sonolbot_codex_reasoning_effort"
	KeyCodexSandbox     = "sonolbot_codex_sandbox"
	KeyCodexApproval    = "sonolbot_codex_approval_policy"
	KeyPollInterval     = "daemon_poll_interval_sec"
	KeyIdleTimeout      = "daemon_idle_timeout_sec"
	KeyTurnTimeout      = "daemon_app_server_turn_timeout_sec"
	KeyProgressInterval = "daemon_app_server_progress_interval_sec"
	KeySteerWindow      = "daemon_app_server_steer_batch_window_ms"
	KeyRequestTimeout   = "daemon_app_server_request_timeout_sec"
	KeyRestartBackoff   = "daemon_app_server_restart_backoff_sec"
	KeyLeaseTTL         = "daemon_chat_lease_ttl_sec"
	KeyLeaseHeartbeat   = "daemon_chat_lease_heartbeat_sec"
	KeyCompletedTTL     = "daemon_completed_message_ttl_sec"
	KeyLockWait         = "daemon_file_lock_wait_timeout_sec"
	KeyForwardAgent     = "daemon_forward_agent_messages"
	KeySendAttempts     = "daemon_fallback_send_max_attempts"
	KeyUIModeTimeout    = "daemon_ui_mode_timeout_sec"
	KeyStableReset      = "daemon_worker_stable_reset_sec"
	KeyBackoffBase      = "daemon_worker_backoff_base_sec"
	KeyBackoffMax       = "daemon_worker_backoff_max_sec"
)

// Settings is the resolved runtime configuration of a supervisor or worker.
type Settings struct {
	Root          string
	BotsConfig    string
	WorkspacesDir string

	// Worker identity, injected by the supervisor.
	BotID        string
	BotToken     string
	AllowedUsers []int64

	WorkDir  string
	LogsDir  string
	TasksDir string

	LogLevel    string
	MetricsAddr string

	PartitionByChat      bool
	TaskSearchLLM        bool
	ForwardAgentMessages bool

	CodexBin             string
	CodexModel           string
	CodexReasoningEffort string
	CodexSandbox         string
	CodexApprovalPolicy  string

	PollInterval            time.Duration
	IdleTimeout             time.Duration
	TurnTimeout             time.Duration
	ProgressInterval        time.Duration
	SteerBatchWindow        time.Duration
	RequestTimeout          time.Duration
	RestartBackoff          time.Duration
	LeaseTTL                time.Duration
	LeaseHeartbeat          time.Duration
	CompletedTTL            time.Duration
	LockWait                time.Duration
	UIModeTimeout           time.Duration
	FallbackSendMaxAttempts int

	WorkerStableReset time.Duration
	WorkerBackoffBase time.Duration
	WorkerBackoffMax  time.Duration
}

// NewViper returns a viper instance bound to the environment with every
// default registered.
func NewViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault(KeyRoot, "")
	v.SetDefault(KeyBotsConfig, "")
	v.SetDefault(KeyWorkspacesDir, "")
	v.SetDefault(KeyBotID, "")
	v.SetDefault(KeyBotToken, "")
	v.SetDefault(KeyAllowedUsers, "")
	v.SetDefault(KeyLogsDir, "")
	v.SetDefault(KeyTasksDir, "")
	v.SetDefault(KeyWorkDir, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyPartitionByChat, true)
	v.SetDefault(KeyTaskSearchLLM, false)
	v.SetDefault(KeyForwardAgent, true)
	v.SetDefault(KeyCodexBin, "codex")
	v.SetDefault(KeyCodexModel, "")
	v.SetDefault(KeyCodexEffort, "")
	v.SetDefault(KeyCodexSandbox, "workspace-write")
	v.SetDefault(KeyCodexApproval, "never")
	v.SetDefault(KeyPollInterval, 1.0)
	v.SetDefault(KeyIdleTimeout, 600.0)
	v.SetDefault(KeyTurnTimeout, 1800.0)
	v.SetDefault(KeyProgressInterval, 20.0)
	v.SetDefault(KeySteerWindow, 800.0)
	v.SetDefault(KeyRequestTimeout, 45.0)
	v.SetDefault(KeyRestartBackoff, 3.0)
	v.SetDefault(KeyLeaseTTL, 90.0)
	v.SetDefault(KeyLeaseHeartbeat, 0.0)
	v.SetDefault(KeyCompletedTTL, 180.0)
	v.SetDefault(KeyLockWait, 1.0)
	v.SetDefault(KeySendAttempts, 3)
	v.SetDefault(KeyUIModeTimeout, 300.0)
	v.SetDefault(KeyStableReset, 45.0)
	v.SetDefault(KeyBackoffBase, 5.0)
	v.SetDefault(KeyBackoffMax, 90.0)

	return v
}

// LoadSettings resolves settings from the process environment.
func LoadSettings() (*Settings, error) {
	return SettingsFrom(NewViper())
}

// SettingsFrom resolves settings from v.
func SettingsFrom(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		Root:                 strings.TrimSpace(v.GetString(KeyRoot)),
		BotsConfig:           strings.TrimSpace(v.GetString(KeyBotsConfig)),
		WorkspacesDir:        strings.TrimSpace(v.GetString(KeyWorkspacesDir)),
		BotID:                strings.TrimSpace(v.GetString(KeyBotID)),
		BotToken:             strings.TrimSpace(v.GetString(KeyBotToken)),
		WorkDir:              strings.TrimSpace(v.GetString(KeyWorkDir)),
		LogsDir:              strings.TrimSpace(v.GetString(KeyLogsDir)),
		TasksDir:             strings.TrimSpace(v.GetString(KeyTasksDir)),
		LogLevel:             strings.TrimSpace(v.GetString(KeyLogLevel)),
		MetricsAddr:          strings.TrimSpace(v.GetString(KeyMetricsAddr)),
		PartitionByChat:      v.GetBool(KeyPartitionByChat),
		TaskSearchLLM:        v.GetBool(KeyTaskSearchLLM),
		ForwardAgentMessages: v.GetBool(KeyForwardAgent),
		CodexBin:             strings.TrimSpace(v.GetString(KeyCodexBin)),
		CodexModel:           strings.TrimSpace(v.GetString(KeyCodexModel)),
		CodexReasoningEffort: strings.TrimSpace(v.GetString(KeyCodexEffort)),
		CodexSandbox:         strings.TrimSpace(v.GetString(KeyCodexSandbox)),
		CodexApprovalPolicy:  strings.TrimSpace(v.GetString(KeyCodexApproval)),

		PollInterval:     seconds(v.GetFloat64(KeyPollInterval), 200*time.Millisecond),
		IdleTimeout:      seconds(v.GetFloat64(KeyIdleTimeout), 0),
		TurnTimeout:      seconds(v.GetFloat64(KeyTurnTimeout), time.Second),
		ProgressInterval: seconds(v.GetFloat64(KeyProgressInterval), time.Second),
		SteerBatchWindow: millis(v.GetFloat64(KeySteerWindow)),
		RequestTimeout:   seconds(v.GetFloat64(KeyRequestTimeout), time.Second),
		RestartBackoff:   seconds(v.GetFloat64(KeyRestartBackoff), 0),
		LeaseTTL:         seconds(v.GetFloat64(KeyLeaseTTL), 5*time.Second),
		LeaseHeartbeat:   seconds(v.GetFloat64(KeyLeaseHeartbeat), 0),
		CompletedTTL:     seconds(v.GetFloat64(KeyCompletedTTL), time.Second),
		LockWait:         seconds(v.GetFloat64(KeyLockWait), 50*time.Millisecond),
		UIModeTimeout:    seconds(v.GetFloat64(KeyUIModeTimeout), time.Second),

		FallbackSendMaxAttempts: v.GetInt(KeySendAttempts),

		WorkerStableReset: seconds(v.GetFloat64(KeyStableReset), time.Second),
		WorkerBackoffBase: seconds(v.GetFloat64(KeyBackoffBase), 100*time.Millisecond),
		WorkerBackoffMax:  seconds(v.GetFloat64(KeyBackoffMax), 100*time.Millisecond),
	}

	users, err := ParseUserIDs(v.GetString(KeyAllowedUsers))
	if err != nil {
		return nil, err
	}
	s.AllowedUsers = users

	if s.Root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working root: %w", err)
		}
		s.Root = cwd
	}
	if s.BotsConfig == "" {
		s.BotsConfig = filepath.Join(s.Root, DefaultBotsConfigName)
	}
	if s.WorkspacesDir == "" {
		s.WorkspacesDir = filepath.Join(s.Root, "bots")
	}
	if s.LeaseHeartbeat <= 0 || s.LeaseHeartbeat >= s.LeaseTTL {
		s.LeaseHeartbeat = s.LeaseTTL / 2
	}
	if s.FallbackSendMaxAttempts < 1 {
		s.FallbackSendMaxAttempts = 1
	}
	if s.WorkerBackoffMax < s.WorkerBackoffBase {
		s.WorkerBackoffMax = s.WorkerBackoffBase
	}
	if s.CodexBin == "" {
		s.CodexBin = "codex"
	}

	return s, nil
}

// Workspace returns the layout for the worker's bot, honouring the
// WORK_DIR/LOGS_DIR/TASKS_DIR overrides.
func (s *Settings) Workspace() Workspace {
	ws := NewWorkspace(s.WorkspacesDir, s.BotID)
	if s.WorkDir != "" {
		ws = Workspace{
			Root:     s.WorkDir,
			Logs:     filepath.Join(s.WorkDir, "logs"),
			State:    filepath.Join(s.WorkDir, "state"),
			Messages: filepath.Join(s.WorkDir, "messages"),
			Results:  filepath.Join(s.WorkDir, "results"),
			Tasks:    filepath.Join(s.WorkDir, "tasks"),
		}
	}
	if s.LogsDir != "" {
		ws.Logs = s.LogsDir
	}
	if s.TasksDir != "" {
		ws.Tasks = s.TasksDir
	}
	return ws
}

// ManagerStateDir holds the supervisor's own lock and PID files.
func (s *Settings) ManagerStateDir() string {
	return filepath.Join(s.Root, "state")
}

func (s *Settings) ManagerLockPath() string {
	return filepath.Join(s.ManagerStateDir(), "supervisor.lock")
}

func (s *Settings) ManagerPIDPath() string {
	return filepath.Join(s.ManagerStateDir(), "supervisor.pid")
}

func (s *Settings) ManagerLogPath() string {
	return filepath.Join(s.Root, "logs", "supervisor.log")
}

// ValidateWorker checks the variables a worker cannot start without.
func (s *Settings) ValidateWorker() error {
	var missing []string
	if s.BotID == "" {
		missing = append(missing, "SONOLBOT_BOT_ID")
	}
	if s.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if len(s.AllowedUsers) == 0 {
		missing = append(missing, "TELEGRAM_ALLOWED_USERS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ParseUserIDs parses a comma or whitespace separated id list.
func ParseUserIDs(raw string) ([]int64, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == ';'
	})
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q: %w", f, err)
		}
		ids = append(ids, id)
	}
	return NormalizeUserIDs(ids), nil
}

// FormatUserIDs is the inverse of ParseUserIDs.
func FormatUserIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

func seconds(v float64, floor time.Duration) time.Duration {
	if math.IsNaN(v) || v < 0 {
		v = 0
	}
	d := time.Duration(v * float64(time.Second))
	if d < floor {
		return floor
	}
	return d
}

func millis(v float64) time.Duration {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return time.Duration(v * float64(time.Millisecond))
}
