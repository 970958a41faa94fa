package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beekhof/calendar-toggl/internal/errors"
	"github.com/beekhof/calendar-toggl/internal/rules"
)

var envVars = []string{
	"GOOGLE_CREDENTIALS_PATH", "GOOGLE_TOKEN_PATH", "TOGGL_API_TOKEN", "TOGGL_TOKEN_PATH",
	"TOGGL_WORKSPACE_ID", "CALTOGGL_STATE_PATH", "CALDAV_USERNAME", "CALDAV_PASSWORD",
}

// clearEnv empties every variable LoadConfig reads; empty counts as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range envVars {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const sampleConfig = `
summary_blacklist:
  - "^DND"
  - lunch
summary_project_map:
  Lecture: "111"
  CS101: 222
  "CS10[0-9]": courses
calendar_blacklist:
  - holidays@group.v.calendar.google.com
calendar_project_map:
  work@example.com: 333
toggl_workspace_id: 42
offset_handling: convert
`

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, sampleConfig)

	config, err := LoadConfig(path, Flags{})
	require.NoError(t, err)

	assert.Equal(t, []string{"^DND", "lunch"}, config.SummaryBlacklist)
	assert.Equal(t, ProjectRules{
		{Pattern: "Lecture", ProjectID: "111"},
		{Pattern: "CS101", ProjectID: "222"},
		{Pattern: "CS10[0-9]", ProjectID: "courses"},
	}, config.SummaryProjectMap, "summary rules must keep file order")
	assert.Equal(t, []string{"holidays@group.v.calendar.google.com"}, config.CalendarBlacklist)
	assert.Equal(t, CalendarProjects{"work@example.com": "333"}, config.CalendarProjectMap)
	assert.Equal(t, int64(42), config.TogglWorkspaceID)
	assert.Equal(t, "convert", config.OffsetHandling)
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "summary_blacklist: []\n")

	config, err := LoadConfig(path, Flags{})
	require.NoError(t, err)

	assert.Equal(t, SourceGoogle, config.Source)
	assert.Equal(t, DefaultCredentialsPath, config.GoogleCredentialsPath)
	assert.Equal(t, DefaultTokenPath, config.GoogleTokenPath)
	assert.Equal(t, DefaultTogglTokenPath, config.TogglTokenPath)
	assert.Equal(t, BackendFile, config.StateBackend)
	assert.Equal(t, DefaultStatePath, config.StatePath)
	assert.Equal(t, "discard", config.OffsetHandling)
	assert.Equal(t, PolicyAlways, config.WatermarkPolicy)
	assert.Zero(t, config.TogglWorkspaceID)
}

func TestLoadConfig_SQLiteDefaultPath(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "state_backend: sqlite\n")

	config, err := LoadConfig(path, Flags{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSQLiteStatePath, config.StatePath)
}

func TestLoadConfig_EnvironmentOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
google_credentials_path: /file/credentials.json
toggl_token_path: /file/toggl.txt
toggl_workspace_id: 1
state_path: /file/state.txt
`)
	t.Setenv("GOOGLE_CREDENTIALS_PATH", "/env/credentials.json")
	t.Setenv("TOGGL_API_TOKEN", "env-token")
	t.Setenv("TOGGL_WORKSPACE_ID", "99")
	t.Setenv("CALTOGGL_STATE_PATH", "/env/state.txt")

	config, err := LoadConfig(path, Flags{})
	require.NoError(t, err)

	assert.Equal(t, "/env/credentials.json", config.GoogleCredentialsPath)
	assert.Equal(t, "/file/toggl.txt", config.TogglTokenPath)
	assert.Equal(t, "env-token", config.TogglToken)
	assert.Equal(t, int64(99), config.TogglWorkspaceID)
	assert.Equal(t, "/env/state.txt", config.StatePath)
}

func TestLoadConfig_CommandLineFlags(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "google_token_path: /file/token.json\n")
	t.Setenv("GOOGLE_TOKEN_PATH", "/env/token.json")
	t.Setenv("CALTOGGL_STATE_PATH", "/env/state.txt")

	config, err := LoadConfig(path, Flags{
		GoogleTokenPath: "/flag/token.json",
		StatePath:       "/flag/state.db",
		StateBackend:    BackendSQLite,
	})
	require.NoError(t, err)

	assert.Equal(t, "/flag/token.json", config.GoogleTokenPath)
	assert.Equal(t, "/flag/state.db", config.StatePath)
	assert.Equal(t, BackendSQLite, config.StateBackend)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		want    string
	}{
		{"malformed yaml", "summary_blacklist: [unterminated\n", nil, "failed to parse config file"},
		{"bad blacklist regex", "summary_blacklist: ['(']\n", nil, "summary_blacklist[0]"},
		{"bad project regex", "summary_project_map:\n  ok: 1\n  '[': 2\n", nil, "summary_project_map[1]"},
		{"list instead of map", "summary_project_map: [a, b]\n", nil, "expected a mapping"},
		{"missing project id", "calendar_project_map:\n  work:\n", nil, "has no project id"},
		{"unknown source", "source: outlook\n", nil, "source must be"},
		{"unknown backend", "state_backend: redis\n", nil, "state_backend must be"},
		{"unknown policy", "watermark_policy: sometimes\n", nil, "watermark_policy must be"},
		{"unknown offset mode", "offset_handling: shift\n", nil, "offset mode must be"},
		{"caldav without server", "source: caldav\n", nil, "caldav.server_url"},
		{"bad workspace env", "", map[string]string{"TOGGL_WORKSPACE_ID": "acme"}, "TOGGL_WORKSPACE_ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, tt.content)

			_, err := LoadConfig(path, Flags{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, errors.Is(err, errors.ErrConfig), "want a CONFIG error, got %v", err)
		})
	}
}

func TestLoadConfig_CalDAVCredentialsFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
source: caldav
caldav:
  server_url: https://caldav.example.com
  calendar_home: /dav/alice/
`)
	t.Setenv("CALDAV_USERNAME", "alice")
	t.Setenv("CALDAV_PASSWORD", "app-password")

	config, err := LoadConfig(path, Flags{})
	require.NoError(t, err)

	assert.Equal(t, CalDAV{
		ServerURL:    "https://caldav.example.com",
		CalendarHome: "/dav/alice/",
		Username:     "alice",
		Password:     "app-password",
	}, config.CalDAV)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), Flags{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfig))

	// Without an explicit path config.yaml must exist too.
	t.Chdir(t.TempDir())
	config, err := LoadConfig("", Flags{})
	require.Error(t, err)
	assert.Nil(t, config)
	assert.True(t, errors.Is(err, errors.ErrConfig))
	assert.Contains(t, err.Error(), "config.yaml not found")
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigPath), []byte("summary_blacklist: [\"^DND\"]\n"), 0o644))
	t.Chdir(dir)

	config, err := LoadConfig("", Flags{})
	require.NoError(t, err)
	assert.Equal(t, []string{"^DND"}, config.SummaryBlacklist)
}

func TestConfig_Rules(t *testing.T) {
	clearEnv(t)
	config, err := LoadConfig(writeConfig(t, sampleConfig), Flags{})
	require.NoError(t, err)

	def := config.Rules()
	assert.Equal(t, rules.OffsetConvert, def.OffsetMode)
	assert.Equal(t, "Lecture", def.SummaryProjects[0].Pattern)
	assert.Equal(t, "333", def.CalendarProjects["work@example.com"])

	_, err = rules.Compile(def)
	assert.NoError(t, err)
}

func TestLoadGoogleCredentials(t *testing.T) {
	dir := t.TempDir()

	installed := filepath.Join(dir, "installed.json")
	require.NoError(t, os.WriteFile(installed, []byte(`{"installed":{"client_id":"id-1","client_secret":"s-1"}}`), 0600))
	id, secret, err := LoadGoogleCredentials(installed)
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
	assert.Equal(t, "s-1", secret)

	web := filepath.Join(dir, "web.json")
	require.NoError(t, os.WriteFile(web, []byte(`{"web":{"client_id":"id-2","client_secret":"s-2"}}`), 0600))
	id, _, err = LoadGoogleCredentials(web)
	require.NoError(t, err)
	assert.Equal(t, "id-2", id)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{}`), 0600))
	_, _, err = LoadGoogleCredentials(empty)
	assert.ErrorContains(t, err, "no client_id")
}

func TestLoadTogglToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toggl_token.txt")
	require.NoError(t, os.WriteFile(path, []byte("  abc123\n"), 0600))

	token, err := LoadTogglToken(path)
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	require.NoError(t, os.WriteFile(path, []byte("\n"), 0600))
	_, err = LoadTogglToken(path)
	assert.ErrorContains(t, err, "empty")
}
