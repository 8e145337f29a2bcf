package browser

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
)

// candidateBinaries lists browser executable names to probe for, in
// priority order, per platform.
var candidateBinaries = map[string][]string{
	"linux": {"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"},
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
		"chromium",
		"google-chrome",
	},
	"windows": {"chrome.exe", "chromium.exe"},
}

var devtoolsListeningRe = regexp.MustCompile(`DevTools listening on (ws://\S+)`)

// findBrowserBinary searches $PATH (and, on darwin, the usual app
// bundle locations) for a usable Chromium/Chrome binary.
func findBrowserBinary() (string, error) {
	candidates := candidateBinaries[runtime.GOOS]
	for _, c := range candidates {
		if filepath.IsAbs(c) {
			if info, err := os.Stat(c); err == nil && !info.IsDir() {
				return c, nil
			}
			continue
		}
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", apperr.New(apperr.BrowserBinaryNotFound, "no chromium/chrome binary found in PATH")
}

// profileDir returns (creating if needed) the per-project browser
// profile directory, and removes a stale SingletonLock left behind by
// a previous crashed instance.
func profileDir(baseDir, projectID string) (string, error) {
	dir := filepath.Join(baseDir, "browser-profiles", projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.LaunchFailed, "create profile dir", err)
	}
	lock := filepath.Join(dir, "SingletonLock")
	os.Remove(lock)
	return dir, nil
}

// pickDebugPort returns a random port in [9222, 59222).
func pickDebugPort() int {
	return 9222 + rand.Intn(59222-9222)
}

type launchedBrowser struct {
	cmd      *exec.Cmd
	endpoint string
	port     int
	profile  string

	// exited closes once cmd.Wait() returns, after which cmd.ProcessState
	// is safe to read. stopRequested tells the watcher in service.go
	// that the exit was triggered by stopLocked rather than a crash.
	exited        chan struct{}
	stopRequested atomic.Bool
}

// launchBrowser starts a headless browser bound to profileDir, on port,
// and scrapes the inspector websocket endpoint from its stderr,
// matching internal/egg/server.go's pattern of reading structured
// output from a spawned child within a bounded timeout.
func launchBrowser(ctx context.Context, binary, profile string, port, viewportW, viewportH int) (*launchedBrowser, error) {
	args := []string{
		"--headless=new",
		"--disable-gpu",
		"--no-sandbox",
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--user-data-dir=" + profile,
		fmt.Sprintf("--window-size=%d,%d", viewportW, viewportH),
	}
	cmd := exec.Command(binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperr.Wrap(apperr.LaunchFailed, "stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.LaunchFailed, "start browser", err)
	}

	lb := &launchedBrowser{cmd: cmd, port: port, profile: profile, exited: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(lb.exited)
	}()

	endpointCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if m := devtoolsListeningRe.FindStringSubmatch(scanner.Text()); m != nil {
				select {
				case endpointCh <- m[1]:
				default:
				}
				return
			}
		}
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	select {
	case endpoint := <-endpointCh:
		lb.endpoint = endpoint
		return lb, nil
	case <-timeoutCtx.Done():
		lb.stopRequested.Store(true)
		cmd.Process.Kill()
		return nil, apperr.New(apperr.InspectorTimeout, "timed out waiting for DevTools endpoint")
	}
}
