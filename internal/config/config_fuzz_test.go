package config

import (
	"os"
	"strconv"
	"strings"
	"testing"
)

// FuzzLoadTOML feeds random values into a small TOML file and ensures
// loading never panics.
func FuzzLoadTOML(f *testing.F) {
	f.Add("bot", "sleep 1", "30s", 5)
	f.Add("", "", "120", 0)
	f.Add("x", "true", "-3m", -1)

	f.Fuzz(func(t *testing.T, name, cmd, timeout string, attempts int) {
		clean := func(s string) string {
			s = strings.ReplaceAll(s, "\"", "")
			s = strings.ReplaceAll(s, "\\", "")
			return strings.ReplaceAll(s, "\n", "")
		}
		var b strings.Builder
		b.WriteString("[supervisor]\n")
		b.WriteString("name = \"" + clean(name) + "\"\n")
		b.WriteString("command = \"" + clean(cmd) + "\"\n")
		b.WriteString("max_attempts = " + strconv.Itoa(attempts) + "\n")
		b.WriteString("[watchdog]\n")
		b.WriteString("heartbeat_timeout = \"" + clean(timeout) + "\"\n")
		p := t.TempDir() + "/fuzz.toml"
		if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		c, err := Load(p)
		if err == nil && c.Watchdog.HeartbeatTimeout <= 0 {
			t.Fatalf("validation accepted non-positive timeout")
		}
	})
}
