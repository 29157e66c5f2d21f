package battery

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultSysfsRoot is where Linux exposes power supplies.
const DefaultSysfsRoot = "/sys/class/power_supply"

// lowCharge matches the level at which a discharging battery reports the
// low threshold event.
const lowCharge = 15

// SysfsProvider reads the first battery under root. Hosts without one
// (desktops, non-Linux) report ok=false and the module stays receive-only.
func SysfsProvider(root string) Provider {
	return func() (Status, bool) {
		dir, ok := findBattery(root)
		if !ok {
			return Status{}, false
		}
		capacity, err := readInt(filepath.Join(dir, "capacity"))
		if err != nil {
			return Status{}, false
		}
		state := strings.ToLower(readString(filepath.Join(dir, "status")))
		st := Status{
			Charge:   capacity,
			Charging: state == "charging" || state == "full",
			Updated:  time.Now(),
		}
		if !st.Charging && capacity <= lowCharge {
			st.ThresholdEvent = ThresholdLow
		}
		return st, true
	}
}

func findBattery(root string) (string, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		dir := filepath.Join(root, name)
		if strings.EqualFold(readString(filepath.Join(dir, "type")), "battery") {
			return dir, true
		}
	}
	return "", false
}

func readString(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func readInt(path string) (int64, error) {
	return strconv.ParseInt(readString(path), 10, 64)
}
