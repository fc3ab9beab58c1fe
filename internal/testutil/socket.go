package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ShortSocketPath returns a unix socket path short enough for sun_path
// limits, removed when the test ends.
func ShortSocketPath(t testing.TB, prefix string) string {
	t.Helper()
	path := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d.sock", prefix, time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = os.Remove(path)
	})
	return path
}

// WaitForSocket waits until path exists or errCh reports a startup failure.
func WaitForSocket(t testing.TB, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			t.Fatalf("server exited before socket creation: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil && st.Mode()&os.ModeSocket != 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s not created", path)
}
