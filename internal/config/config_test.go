package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapEnv(m map[string]string) Environ {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeEnv(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, EnvFileName)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestParseEnv(t *testing.T) {
	in := "\xEF\xBB\xBF# comment\r\n" +
		"\n" +
		"QUOTED= \"abc\" \r\n" +
		"SINGLE='x y'\n" +
		"PLAIN=abc\n" +
		"MISMATCH=\"abc'\n" +
		"no equals here\n" +
		"  # indented comment\n" +
		"EMPTY=\n" +
		"=orphan\n" +
		"URL=https://h/?a=b\n"

	got, err := ParseEnv(strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"QUOTED":   "abc",
		"SINGLE":   "x y",
		"PLAIN":    "abc",
		"MISMATCH": "\"abc'",
		"EMPTY":    "",
		"URL":      "https://h/?a=b",
	}, got)
}

func TestUnquote(t *testing.T) {
	cases := map[string]string{
		`"abc"`: "abc",
		`'abc'`: "abc",
		`abc`:   "abc",
		`"`:     `"`,
		`""`:    "",
		`"a'`:   `"a'`,
	}
	for in, want := range cases {
		assert.Equal(t, want, unquote(in), "input %q", in)
	}
}

func TestLoadAllRequiredPresent(t *testing.T) {
	dir := t.TempDir()
	path := writeEnv(t, dir, "TAILSCALE_IP=100.64.0.1\nCUSTOM_USER=alice\nPASSWORD=\"s3cret\"\n")

	cfg, err := Load(dir, mapEnv(nil))
	require.NoError(t, err)

	assert.Equal(t, "100.64.0.1", cfg.Host)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "s3cret", cfg.Password)
	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, DefaultWidth, cfg.Width)
	assert.Equal(t, DefaultHeight, cfg.Height)
	assert.Equal(t, DefaultTitle, cfg.Title)
	assert.False(t, cfg.Fullscreen)
	assert.True(t, cfg.Frameless)
	assert.True(t, cfg.InsecureTLS)
	assert.True(t, cfg.Debug)
}

func TestLoadMissingKeys(t *testing.T) {
	cases := []struct {
		name string
		body string
		want []string
	}{
		{"no host", "CUSTOM_USER=a\nPASSWORD=b\n", []string{KeyHost}},
		{"empty user", "TAILSCALE_IP=h\nCUSTOM_USER=\nPASSWORD=b\n", []string{KeyUser}},
		{"quoted empty password", "TAILSCALE_IP=h\nCUSTOM_USER=a\nPASSWORD=\"\"\n", []string{KeyPassword}},
		{"all", "# nothing\n", []string{KeyHost, KeyUser, KeyPassword}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeEnv(t, dir, tc.body)

			_, err := Load(dir, mapEnv(nil))
			var missing *MissingKeysError
			require.ErrorAs(t, err, &missing)
			assert.Equal(t, tc.want, missing.Keys)
			for _, k := range tc.want {
				assert.Contains(t, err.Error(), k)
			}
		})
	}
}

func TestLoadLocalShadowsParent(t *testing.T) {
	parent := t.TempDir()
	child := filepath.Join(parent, "app")
	require.NoError(t, os.Mkdir(child, 0o755))

	writeEnv(t, parent, "TAILSCALE_IP=parent\nCUSTOM_USER=p\nPASSWORD=p\nWINDOW_TITLE=Parent\n")
	local := writeEnv(t, child, "TAILSCALE_IP=local\nCUSTOM_USER=l\nPASSWORD=l\n")

	cfg, err := Load(child, mapEnv(nil))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Host)
	assert.Equal(t, local, cfg.Source)
	// parent keys are never merged in
	assert.Equal(t, DefaultTitle, cfg.Title)
}

func TestLoadFallsBackToParent(t *testing.T) {
	parent := t.TempDir()
	child := filepath.Join(parent, "app")
	require.NoError(t, os.Mkdir(child, 0o755))
	writeEnv(t, parent, "TAILSCALE_IP=parent\nCUSTOM_USER=p\nPASSWORD=p\n")

	cfg, err := Load(child, mapEnv(nil))
	require.NoError(t, err)
	assert.Equal(t, "parent", cfg.Host)
}

func TestLoadEnvironmentWins(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, "TAILSCALE_IP=file\nCUSTOM_USER=file\nPASSWORD=file\nPORT=3001\n")

	cfg, err := Load(dir, mapEnv(map[string]string{
		KeyHost: "env",
		KeyUser: "", // empty env value does not shadow the file
	}))
	require.NoError(t, err)
	assert.Equal(t, "env", cfg.Host)
	assert.Equal(t, "file", cfg.Username)
	assert.Equal(t, "3001", cfg.Port)
}

func TestLoadKeepsEnvironmentValuesVerbatim(t *testing.T) {
	cfg, err := Load(t.TempDir(), mapEnv(map[string]string{
		KeyHost:       "h",
		KeyUser:       "u",
		KeyPassword:   " pa ss ",
		KeyWidth:      " 1600 ",
		KeyFullscreen: " 1",
	}))
	require.NoError(t, err)
	assert.Equal(t, " pa ss ", cfg.Password)
	assert.Equal(t, 1600, cfg.Width)
	assert.True(t, cfg.Fullscreen)
}

func TestLoadIgnoresDirectoryNamedEnv(t *testing.T) {
	dir := t.TempDir()
	// a directory named .env exists but is not a file
	require.NoError(t, os.Mkdir(filepath.Join(dir, EnvFileName), 0o755))

	cfg, err := Load(dir, mapEnv(map[string]string{KeyHost: "h", KeyUser: "u", KeyPassword: "p"}))
	require.NoError(t, err)
	assert.Empty(t, cfg.Source)
}

func TestLoadOptionalKeys(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, strings.Join([]string{
		"TAILSCALE_IP=h", "CUSTOM_USER=u", "PASSWORD=p",
		"WINDOW_WIDTH=1600", "WINDOW_HEIGHT=abc", "FULLSCREEN=1",
		"WINDOW_TITLE='Desk'", "TLS_VERIFY=1", "SHELL_DEBUG=0", "LOG_LEVEL=DEBUG",
		"FRAMELESS=0",
	}, "\n"))

	cfg, err := Load(dir, mapEnv(nil))
	require.NoError(t, err)
	assert.Equal(t, 1600, cfg.Width)
	assert.Equal(t, DefaultHeight, cfg.Height)
	assert.True(t, cfg.Fullscreen)
	assert.False(t, cfg.Frameless)
	assert.Equal(t, "Desk", cfg.Title)
	assert.False(t, cfg.InsecureTLS)
	assert.False(t, cfg.Debug)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Host, cfg.Username, cfg.Password = "h", "u", "p"
	cfg.Port = "99999"
	assert.Error(t, cfg.Validate())
}

func TestTargetURL(t *testing.T) {
	base := Default()
	base.Host = "100.116.59.94"

	cases := []struct {
		port string
		want string
	}{
		{"3000", "http://100.116.59.94:3000/"},
		{"3001", "https://100.116.59.94:3001/"},
		{"", "https://100.116.59.94/"},
	}
	for _, tc := range cases {
		cfg := base
		cfg.Port = tc.port
		assert.Equal(t, tc.want, cfg.TargetURL().String(), "port %q", tc.port)
	}

	v6 := base
	v6.Host = "fd7a:115c::1"
	v6.Port = "3001"
	assert.Equal(t, "https://[fd7a:115c::1]:3001/", v6.TargetURL().String())

	v6.Port = ""
	assert.Equal(t, "https://[fd7a:115c::1]/", v6.TargetURL().String())

	// already bracketed
	v6.Host = "[::1]"
	assert.Equal(t, "https://[::1]/", v6.TargetURL().String())
	v6.Port = "3000"
	assert.Equal(t, "http://[::1]:3000/", v6.TargetURL().String())
}

func TestCandidates(t *testing.T) {
	got := Candidates(filepath.Join("/srv", "app"))
	assert.Equal(t, []string{
		filepath.Join("/srv", "app", EnvFileName),
		filepath.Join("/srv", EnvFileName),
	}, got)
}

func TestWatchReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeEnv(t, dir, "TAILSCALE_IP=h\n")

	ops := make(chan fsnotify.Op, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watch(ctx, path, func(op fsnotify.Op) {
		select {
		case ops <- op:
		default:
		}
	}) }()

	// other files in the directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0o644))

	deadline := time.After(2 * time.Second)
	for seen := false; !seen; {
		require.NoError(t, os.WriteFile(path, []byte("TAILSCALE_IP=changed\n"), 0o644))
		select {
		case op := <-ops:
			assert.NotZero(t, op&(fsnotify.Write|fsnotify.Create))
			seen = true
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("change never reported")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestWatchEmptyPath(t *testing.T) {
	assert.NoError(t, Watch(context.Background(), ""))
}
