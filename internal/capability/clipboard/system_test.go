package clipboard

import (
	"errors"
	"testing"

	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

type fakeDesktop struct {
	content string
	readErr error
	writes  []string
}

func (f *fakeDesktop) store() *SystemStore {
	return &SystemStore{
		read: func() (string, error) { return f.content, f.readErr },
		write: func(s string) error {
			f.writes = append(f.writes, s)
			f.content = s
			return nil
		},
	}
}

func TestSystemStoreStampsLocalCopies(t *testing.T) {
	testlog.Start(t)
	desk := &fakeDesktop{content: "first"}
	s := desk.store()

	content, ts := s.Get()
	if content != "first" || ts == 0 {
		t.Fatalf("expected first with timestamp, got %q ts=%d", content, ts)
	}
	if _, again := s.Get(); again != ts {
		t.Fatalf("expected unchanged content to keep timestamp %d, got %d", ts, again)
	}

	s.Set("from peer", 42)
	if len(desk.writes) != 1 || desk.content != "from peer" {
		t.Fatalf("expected desktop write, got %v", desk.writes)
	}
	if content, ts := s.Get(); content != "from peer" || ts != 42 {
		t.Fatalf("expected peer content at 42, got %q ts=%d", content, ts)
	}
}

func TestSystemStoreKeepsLastOnReadError(t *testing.T) {
	testlog.Start(t)
	desk := &fakeDesktop{}
	s := desk.store()
	s.Set("kept", 7)
	desk.readErr = errors.New("no display")
	if content, ts := s.Get(); content != "kept" || ts != 7 {
		t.Fatalf("expected cached content on read error, got %q ts=%d", content, ts)
	}
}
