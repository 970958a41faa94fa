package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/beekhof/calendar-toggl/internal/errors"
	"github.com/beekhof/calendar-toggl/internal/rules"
)

// Defaults used when neither a flag, an environment variable nor the config
// file sets a value. All paths are relative to the working directory.
const (
	DefaultConfigPath      = "config.yaml"
	DefaultCredentialsPath = "credentials.json"
	DefaultTokenPath       = "token.json"
	DefaultTogglTokenPath  = "toggl_token.txt"
	DefaultStatePath       = "previous_time.txt"
	DefaultSQLiteStatePath = "caltoggl.db"
)

const (
	SourceGoogle = "google"
	SourceCalDAV = "caldav"

	BackendFile   = "file"
	BackendSQLite = "sqlite"

	PolicyAlways    = "always"
	PolicyOnSuccess = "on_success"
)

// GoogleCredentials represents the structure of Google OAuth credentials JSON file.
type GoogleCredentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleCredentials loads Google OAuth credentials from a JSON file.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}

	// Try "installed" first (for desktop apps), then "web"
	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}

	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// LoadTogglToken reads a Toggl API token from a file holding nothing else.
func LoadTogglToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read toggl token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("toggl token file %s is empty", path)
	}
	return token, nil
}

// ProjectRules is summary_project_map: a YAML mapping whose key order is
// the rule order.
type ProjectRules []rules.PatternProject

// UnmarshalYAML keeps the document order of the mapping.
func (p *ProjectRules) UnmarshalYAML(node *yaml.Node) error {
	pairs, err := decodePairs(node)
	if err != nil {
		return err
	}
	out := make(ProjectRules, 0, len(pairs))
	for _, kv := range pairs {
		out = append(out, rules.PatternProject{Pattern: kv[0], ProjectID: kv[1]})
	}
	*p = out
	return nil
}

// CalendarProjects is calendar_project_map. Project ids may be written as
// YAML numbers; they are kept as the literal text.
type CalendarProjects map[string]string

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *CalendarProjects) UnmarshalYAML(node *yaml.Node) error {
	pairs, err := decodePairs(node)
	if err != nil {
		return err
	}
	out := make(CalendarProjects, len(pairs))
	for _, kv := range pairs {
		out[kv[0]] = kv[1]
	}
	*c = out
	return nil
}

func decodePairs(node *yaml.Node) ([][2]string, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	pairs := make([][2]string, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if key.Kind != yaml.ScalarNode || value.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: keys and project ids must be scalars", key.Line)
		}
		if value.Value == "" || value.Tag == "!!null" {
			return nil, fmt.Errorf("line %d: %q has no project id", key.Line, key.Value)
		}
		pairs = append(pairs, [2]string{key.Value, value.Value})
	}
	return pairs, nil
}

// CalDAV holds the CalDAV source settings.
type CalDAV struct {
	ServerURL    string `yaml:"server_url"`
	CalendarHome string `yaml:"calendar_home,omitempty"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

// Config holds the rules and run settings of the bridge.
type Config struct {
	SummaryBlacklist   []string         `yaml:"summary_blacklist"`
	SummaryProjectMap  ProjectRules     `yaml:"summary_project_map"`
	CalendarBlacklist  []string         `yaml:"calendar_blacklist"`
	CalendarProjectMap CalendarProjects `yaml:"calendar_project_map"`

	Source                string `yaml:"source,omitempty"` // "google" or "caldav"
	GoogleCredentialsPath string `yaml:"google_credentials_path,omitempty"`
	GoogleTokenPath       string `yaml:"google_token_path,omitempty"`
	CalDAV                CalDAV `yaml:"caldav,omitempty"`

	TogglTokenPath   string `yaml:"toggl_token_path,omitempty"`
	TogglWorkspaceID int64  `yaml:"toggl_workspace_id,omitempty"` // 0: the user's default workspace

	StatePath       string `yaml:"state_path,omitempty"`
	StateBackend    string `yaml:"state_backend,omitempty"`    // "file" or "sqlite"
	OffsetHandling  string `yaml:"offset_handling,omitempty"`  // "discard" or "convert"
	WatermarkPolicy string `yaml:"watermark_policy,omitempty"` // "always" or "on_success"

	// TogglToken comes from TOGGL_API_TOKEN only; otherwise it is read
	// from TogglTokenPath when the client is built.
	TogglToken string `yaml:"-"`
}

// Flags are the command-line values that override the file and environment.
// Empty fields are ignored.
type Flags struct {
	Source                string
	GoogleCredentialsPath string
	GoogleTokenPath       string
	TogglTokenPath        string
	StatePath             string
	StateBackend          string
}

// Rules returns the rule definition to compile.
func (c *Config) Rules() rules.Definition {
	return rules.Definition{
		SummaryBlacklist:  c.SummaryBlacklist,
		SummaryProjects:   []rules.PatternProject(c.SummaryProjectMap),
		CalendarBlacklist: c.CalendarBlacklist,
		CalendarProjects:  map[string]string(c.CalendarProjectMap),
		OffsetMode:        rules.OffsetMode(c.OffsetHandling),
	}
}

// LoadConfigFromFile loads configuration from a YAML file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables
// 3. Config file
// 4. Defaults
// The config file must exist, DefaultConfigPath when configFile is empty.
// Every error returned is a CONFIG error.
func LoadConfig(configFile string, flags Flags) (*Config, error) {
	// Step 1: Load from config file
	path := configFile
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, errors.NewConfig(fmt.Sprintf("config file %s not found", path), err)
	}
	fileConfig, err := LoadConfigFromFile(path)
	if err != nil {
		return nil, errors.NewConfig(path, err)
	}
	config := *fileConfig

	// Step 2: Override with environment variables
	if v := os.Getenv("GOOGLE_CREDENTIALS_PATH"); v != "" {
		config.GoogleCredentialsPath = v
	}
	if v := os.Getenv("GOOGLE_TOKEN_PATH"); v != "" {
		config.GoogleTokenPath = v
	}
	if v := os.Getenv("TOGGL_API_TOKEN"); v != "" {
		config.TogglToken = v
	}
	if v := os.Getenv("TOGGL_TOKEN_PATH"); v != "" {
		config.TogglTokenPath = v
	}
	if v := os.Getenv("TOGGL_WORKSPACE_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.NewConfig("invalid TOGGL_WORKSPACE_ID value", err)
		}
		config.TogglWorkspaceID = id
	}
	if v := os.Getenv("CALTOGGL_STATE_PATH"); v != "" {
		config.StatePath = v
	}
	if v := os.Getenv("CALDAV_USERNAME"); v != "" {
		config.CalDAV.Username = v
	}
	if v := os.Getenv("CALDAV_PASSWORD"); v != "" {
		config.CalDAV.Password = v
	}

	// Step 3: Override with command-line flags (highest priority)
	if flags.Source != "" {
		config.Source = flags.Source
	}
	if flags.GoogleCredentialsPath != "" {
		config.GoogleCredentialsPath = flags.GoogleCredentialsPath
	}
	if flags.GoogleTokenPath != "" {
		config.GoogleTokenPath = flags.GoogleTokenPath
	}
	if flags.TogglTokenPath != "" {
		config.TogglTokenPath = flags.TogglTokenPath
	}
	if flags.StatePath != "" {
		config.StatePath = flags.StatePath
	}
	if flags.StateBackend != "" {
		config.StateBackend = flags.StateBackend
	}

	// Step 4: Apply defaults and validate
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.NewConfig("invalid configuration", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Source == "" {
		c.Source = SourceGoogle
	}
	if c.GoogleCredentialsPath == "" {
		c.GoogleCredentialsPath = DefaultCredentialsPath
	}
	if c.GoogleTokenPath == "" {
		c.GoogleTokenPath = DefaultTokenPath
	}
	if c.TogglTokenPath == "" {
		c.TogglTokenPath = DefaultTogglTokenPath
	}
	if c.StateBackend == "" {
		c.StateBackend = BackendFile
	}
	if c.StatePath == "" {
		if c.StateBackend == BackendSQLite {
			c.StatePath = DefaultSQLiteStatePath
		} else {
			c.StatePath = DefaultStatePath
		}
	}
	if c.OffsetHandling == "" {
		c.OffsetHandling = string(rules.OffsetDiscard)
	}
	if c.WatermarkPolicy == "" {
		c.WatermarkPolicy = PolicyAlways
	}
}

// Validate checks the enumerated settings and compiles the rules once so a
// bad pattern is reported before any network call.
func (c *Config) Validate() error {
	switch c.Source {
	case SourceGoogle:
	case SourceCalDAV:
		if c.CalDAV.ServerURL == "" {
			return fmt.Errorf("caldav.server_url must be provided for the caldav source")
		}
		if c.CalDAV.Username == "" {
			return fmt.Errorf("caldav.username must be provided via config file or CALDAV_USERNAME environment variable")
		}
		if c.CalDAV.Password == "" {
			return fmt.Errorf("caldav.password must be provided via config file or CALDAV_PASSWORD environment variable")
		}
	default:
		return fmt.Errorf("source must be '%s' or '%s', got '%s'", SourceGoogle, SourceCalDAV, c.Source)
	}

	if c.StateBackend != BackendFile && c.StateBackend != BackendSQLite {
		return fmt.Errorf("state_backend must be '%s' or '%s', got '%s'", BackendFile, BackendSQLite, c.StateBackend)
	}
	if c.WatermarkPolicy != PolicyAlways && c.WatermarkPolicy != PolicyOnSuccess {
		return fmt.Errorf("watermark_policy must be '%s' or '%s', got '%s'", PolicyAlways, PolicyOnSuccess, c.WatermarkPolicy)
	}
	if c.TogglWorkspaceID < 0 {
		return fmt.Errorf("toggl_workspace_id must be positive, got %d", c.TogglWorkspaceID)
	}

	if _, err := rules.Compile(c.Rules()); err != nil {
		return err
	}
	return nil
}
