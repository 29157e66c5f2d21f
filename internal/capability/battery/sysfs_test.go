package battery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

func writeSupply(t *testing.T, root, name string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for k, v := range files {
		if err := os.WriteFile(filepath.Join(dir, k), []byte(v+"\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", k, err)
		}
	}
}

func TestSysfsProviderReadsBattery(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	writeSupply(t, root, "AC", map[string]string{"type": "Mains", "online": "0"})
	writeSupply(t, root, "BAT0", map[string]string{"type": "Battery", "capacity": "9", "status": "Discharging"})

	st, ok := SysfsProvider(root)()
	if !ok {
		t.Fatalf("expected battery found")
	}
	if st.Charge != 9 || st.Charging || !st.Low() {
		t.Fatalf("unexpected status %+v", st)
	}

	writeSupply(t, root, "BAT0", map[string]string{"status": "Charging"})
	st, _ = SysfsProvider(root)()
	if !st.Charging || st.Low() {
		t.Fatalf("expected charging without low event, got %+v", st)
	}
}

func TestSysfsProviderWithoutBattery(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	writeSupply(t, root, "AC", map[string]string{"type": "Mains"})
	if _, ok := SysfsProvider(root)(); ok {
		t.Fatalf("expected no battery")
	}
	if _, ok := SysfsProvider(filepath.Join(root, "missing"))(); ok {
		t.Fatalf("expected no battery for missing root")
	}
}
