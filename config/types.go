package config

import "time"

type AppConfig struct {
	DBPath      string            `yaml:"db_path" env:"BERKUT_DB_PATH" env-default:"data/siem.db"`
	DBMaxConns  int               `yaml:"db_max_conns" env:"BERKUT_DB_MAX_CONNS" env-default:"4"`
	ListenAddr  string            `yaml:"listen_addr" env:"BERKUT_LISTEN_ADDR" env-default:"0.0.0.0:8080"`
	RulesPath   string            `yaml:"rules_path" env:"BERKUT_RULES_PATH" env-default:"rules"`
	LogLevel    string            `yaml:"log_level" env:"BERKUT_LOG_LEVEL" env-default:"info"`
	LogFormat   string            `yaml:"log_format" env:"BERKUT_LOG_FORMAT" env-default:"text"`
	AppEnv      string            `yaml:"app_env" env:"BERKUT_APP_ENV"`
	TLSEnabled  bool              `yaml:"tls_enabled" env:"BERKUT_TLS_ENABLED" env-default:"false"`
	TLSCert     string            `yaml:"tls_cert" env:"BERKUT_TLS_CERT"`
	TLSKey      string            `yaml:"tls_key" env:"BERKUT_TLS_KEY"`
	Security    SecurityConfig    `yaml:"security"`
	EDR         EDRConfig         `yaml:"edr"`
	MDR         MDRConfig         `yaml:"mdr"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Notify      NotifyConfig      `yaml:"notify"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Backups     BackupsConfig     `yaml:"backups"`
}

type SecurityConfig struct {
	APIKey            string         `yaml:"api_key" env:"BERKUT_SECURITY_API_KEY"`
	BasicUser         string         `yaml:"basic_user" env:"BERKUT_SECURITY_BASIC_USER"`
	BasicPasswordHash string         `yaml:"basic_password_hash" env:"BERKUT_SECURITY_BASIC_PASSWORD_HASH"`
	ExemptPaths       []string       `yaml:"exempt_paths" env:"BERKUT_SECURITY_EXEMPT_PATHS" env-separator:"," env-default:"/health"`
	RateLimits        map[string]int `yaml:"rate_limits"` // path prefix -> requests per minute
	MaxBodyBytes      int64          `yaml:"max_body_bytes" env:"BERKUT_SECURITY_MAX_BODY_BYTES" env-default:"10485760"`
	TrustedProxies    []string       `yaml:"trusted_proxies" env:"BERKUT_SECURITY_TRUSTED_PROXIES" env-separator:","`
}

func (s SecurityConfig) AuthEnabled() bool {
	return s.APIKey != "" || (s.BasicUser != "" && s.BasicPasswordHash != "")
}

type EDRConfig struct {
	DangerousAllowlist []string      `yaml:"dangerous_allowlist" env:"BERKUT_EDR_DANGEROUS_ALLOWLIST" env-separator:","`
	OfflineAfter       time.Duration `yaml:"offline_after" env:"BERKUT_EDR_OFFLINE_AFTER" env-default:"10m"`
	PollLimitMax       int           `yaml:"poll_limit_max" env:"BERKUT_EDR_POLL_LIMIT_MAX" env-default:"100"`
}

type MDRConfig struct {
	AutoIncidentEnabled     bool   `yaml:"auto_incident_enabled" env:"BERKUT_MDR_AUTO_INCIDENT" env-default:"false"`
	AutoIncidentMinSeverity string `yaml:"auto_incident_min_severity" env:"BERKUT_MDR_AUTO_INCIDENT_MIN_SEVERITY" env-default:"high"`
}

// CorrelationConfig overrides detector windows and thresholds. Zero values keep the defaults.
type CorrelationConfig struct {
	BruteForceWindow       time.Duration `yaml:"bruteforce_window"`
	BruteForceThreshold    int           `yaml:"bruteforce_threshold"`
	PasswordSprayWindow    time.Duration `yaml:"password_spray_window"`
	PasswordSprayThreshold int           `yaml:"password_spray_threshold"`
	CredStuffingWindow     time.Duration `yaml:"credential_stuffing_window"`
	CredStuffingThreshold  int           `yaml:"credential_stuffing_threshold"`
	ConcurrentLoginWindow  time.Duration `yaml:"concurrent_logins_window"`
	PortScanWindow         time.Duration `yaml:"port_scan_window"`
	PortScanThreshold      int           `yaml:"port_scan_threshold"`
	WebScanWindow          time.Duration `yaml:"web_scan_window"`
	WebScanThreshold       int           `yaml:"web_scan_threshold"`
}

type NotifyConfig struct {
	WebhookURL       string        `yaml:"webhook_url" env:"BERKUT_NOTIFY_WEBHOOK_URL"`
	WebhookTimeout   time.Duration `yaml:"webhook_timeout" env:"BERKUT_NOTIFY_WEBHOOK_TIMEOUT" env-default:"5s"`
	MinSeverity      string        `yaml:"min_severity" env:"BERKUT_NOTIFY_MIN_SEVERITY" env-default:"low"`
	NATSURL          string        `yaml:"nats_url" env:"BERKUT_NOTIFY_NATS_URL"`
	NATSSubject      string        `yaml:"nats_subject" env:"BERKUT_NOTIFY_NATS_SUBJECT" env-default:"siem.alerts"`
	TelegramToken    string        `yaml:"telegram_token" env:"BERKUT_NOTIFY_TELEGRAM_TOKEN"`
	TelegramChatID   string        `yaml:"telegram_chat_id" env:"BERKUT_NOTIFY_TELEGRAM_CHAT_ID"`
	TelegramThreadID int64         `yaml:"telegram_thread_id" env:"BERKUT_NOTIFY_TELEGRAM_THREAD_ID"`
}

type SchedulerConfig struct {
	Enabled          bool   `yaml:"enabled" env:"BERKUT_SCHEDULER_ENABLED" env-default:"true"`
	OfflineSweepSpec string `yaml:"offline_sweep_spec" env:"BERKUT_SCHEDULER_OFFLINE_SWEEP_SPEC" env-default:"@every 1m"`
}

// BackupsConfig controls database snapshots. An empty Schedule disables
// scheduled snapshots; on-demand snapshots are always available.
type BackupsConfig struct {
	Path     string `yaml:"path" env:"BERKUT_BACKUPS_PATH" env-default:"data/backups"`
	Keep     int    `yaml:"keep" env:"BERKUT_BACKUPS_KEEP" env-default:"7"`
	Schedule string `yaml:"schedule" env:"BERKUT_BACKUPS_SCHEDULE"`
	Compress bool   `yaml:"compress" env:"BERKUT_BACKUPS_COMPRESS" env-default:"true"`
}

type AgentConfig struct {
	ServerURL       string        `yaml:"server_url" env:"BERKUT_AGENT_SERVER_URL" env-default:"http://127.0.0.1:8080"`
	APIKey          string        `yaml:"api_key" env:"BERKUT_AGENT_API_KEY"`
	StatePath       string        `yaml:"state_path" env:"BERKUT_AGENT_STATE_PATH" env-default:"/var/lib/berkut-agent/state.json"`
	Interval        time.Duration `yaml:"interval" env:"BERKUT_AGENT_INTERVAL" env-default:"15s"`
	ExecuteActions  bool          `yaml:"execute_actions" env:"BERKUT_AGENT_EXECUTE_ACTIONS" env-default:"false"`
	FirewallBackend string        `yaml:"firewall_backend" env:"BERKUT_AGENT_FIREWALL_BACKEND" env-default:"auto"`
	CommandTimeout  time.Duration `yaml:"command_timeout" env:"BERKUT_AGENT_COMMAND_TIMEOUT" env-default:"10s"`
	Compress        bool          `yaml:"compress" env:"BERKUT_AGENT_COMPRESS" env-default:"true"`
	Tags            []string      `yaml:"tags" env:"BERKUT_AGENT_TAGS" env-separator:","`
	LogLevel        string        `yaml:"log_level" env:"BERKUT_AGENT_LOG_LEVEL" env-default:"info"`
}

const defaultMaxBodyBytes = 10 << 20

func (c *AppConfig) EffectiveMaxBodyBytes() int64 {
	if c == nil || c.Security.MaxBodyBytes <= 0 {
		return defaultMaxBodyBytes
	}
	return c.Security.MaxBodyBytes
}
