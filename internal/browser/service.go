package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
)

const (
	defaultIdleTimeout = 10 * time.Minute
	maxFrameTimestamps = 1000
)

type command struct {
	kind  string
	args  any
	reply chan result
}

type result struct {
	value any
	err   error
}

// Service is the process-wide browser singleton (spec §4.7), run as a
// single actor goroutine driven by a command queue — spec §9's
// redesign note replacing an "ad-hoc shared-mutable singleton" with an
// explicit owner under message passing, so every field below is only
// ever touched from the run() goroutine.
type Service struct {
	log     *slog.Logger
	baseDir string

	cmds chan command

	state     State
	info      Info
	profileID string

	cdp     *cdpClient
	child   *launchedBrowser
	quality *QualityController

	onFrame  func(FrameEvent)
	onCursor func(CursorEvent)
	onCrash  func(CrashEvent)
	onError  func(err error)
	onIdle   func()

	frameTimestamps     map[int64]int64
	frameTimestampOrder []int64
	lastCursor          string

	idleTimer *time.Timer
	starting  *startWaiter
}

type startWaiter struct {
	done chan result
}

// NewService creates a stopped Service. baseDir is the root under which
// per-project browser profiles are stored
// (~/.bridgeagent/browser-profiles/<projectID>).
func NewService(baseDir string, log *slog.Logger) *Service {
	s := &Service{
		log:             log,
		baseDir:         baseDir,
		cmds:            make(chan command),
		state:           StateStopped,
		quality:         NewQualityController(),
		frameTimestamps: make(map[int64]int64),
	}
	go s.run()
	return s
}

// OnFrame registers the frame-delivery callback.
func (s *Service) OnFrame(fn func(FrameEvent)) { s.onFrame = fn }

// OnCursor registers the cursor-change callback.
func (s *Service) OnCursor(fn func(CursorEvent)) { s.onCursor = fn }

// OnCrash registers the crash callback.
func (s *Service) OnCrash(fn func(CrashEvent)) { s.onCrash = fn }

// OnError registers the async-error callback (e.g. CdpConnectionLost).
func (s *Service) OnError(fn func(err error)) { s.onError = fn }

// OnIdleShutdown registers the idle-shutdown callback.
func (s *Service) OnIdleShutdown(fn func()) { s.onIdle = fn }

func (s *Service) call(kind string, args any) (any, error) {
	reply := make(chan result, 1)
	s.cmds <- command{kind: kind, args: args, reply: reply}
	r := <-reply
	return r.value, r.err
}

// run is the single owning goroutine; every command is processed to
// completion before the next is read, except Start which may leave a
// coalesced waiter behind while the launch happens in a helper
// goroutine that reports back via s.cmds.
func (s *Service) run() {
	for cmd := range s.cmds {
		switch cmd.kind {
		case "start":
			s.handleStart(cmd)
		case "startComplete":
			s.handleStartComplete(cmd)
		case "stop":
			s.handleStop(cmd)
		case "navigate":
			s.handleNavigate(cmd)
		case "frame":
			s.handleFrame(cmd)
		case "input":
			s.handleInput(cmd)
		case "resize":
			s.handleResize(cmd)
		case "ackFrame":
			s.handleAckFrame(cmd)
		case "detach":
			s.handleDetach(cmd)
		case "attach":
			s.handleAttach(cmd)
		case "crash":
			s.handleCrash(cmd)
		case "cdpDisconnect":
			s.handleCDPDisconnect(cmd)
		case "status":
			cmd.reply <- result{value: s.info}
		}
	}
}

// Start launches the browser for projectID, or returns the cached Info
// if already running, or joins an in-flight start (spec §8 property 9:
// concurrent starts spawn exactly one child).
func (s *Service) Start(ctx context.Context, opts StartOptions) (Info, error) {
	v, err := s.call("start", opts)
	if err != nil {
		return Info{}, err
	}
	return v.(Info), nil
}

func (s *Service) handleStart(cmd command) {
	opts := cmd.args.(StartOptions)

	if s.state == StateRunning || s.state == StateDetached {
		cmd.reply <- result{value: s.info}
		return
	}
	if s.starting != nil {
		// Join the in-flight start.
		go func(waiter *startWaiter, reply chan result) {
			r := <-waiter.done
			waiter.done <- r // let other joiners see it too
			reply <- r
		}(s.starting, cmd.reply)
		return
	}

	s.state = StateStarting
	s.profileID = opts.ProjectID
	waiter := &startWaiter{done: make(chan result, 16)}
	s.starting = waiter

	if opts.ViewportW <= 0 {
		opts.ViewportW = 1280
	}
	if opts.ViewportH <= 0 {
		opts.ViewportH = 800
	}

	go s.doLaunch(opts, waiter)

	go func(waiter *startWaiter, reply chan result) {
		r := <-waiter.done
		waiter.done <- r
		reply <- r
	}(waiter, cmd.reply)
}

func (s *Service) doLaunch(opts StartOptions, waiter *startWaiter) {
	r := s.launchAndNavigate(opts)
	s.cmds <- command{kind: "startComplete", args: struct {
		opts StartOptions
		res  result
		w    *startWaiter
	}{opts, r, waiter}}
}

func (s *Service) launchAndNavigate(opts StartOptions) result {
	binary, err := findBrowserBinary()
	if err != nil {
		return result{err: err}
	}
	profile, err := profileDir(s.baseDir, opts.ProjectID)
	if err != nil {
		return result{err: err}
	}
	port := pickDebugPort()

	ctx := context.Background()
	child, err := launchBrowser(ctx, binary, profile, port, opts.ViewportW, opts.ViewportH)
	if err != nil {
		return result{err: err}
	}

	cdp, err := dialCDP(ctx, child.endpoint)
	if err != nil {
		child.cmd.Process.Kill()
		return result{err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()
	if _, err := cdp.Call(callCtx, "Page.enable", nil); err != nil {
		cdp.Close()
		child.cmd.Process.Kill()
		return result{err: err}
	}
	metrics := map[string]any{
		"width": opts.ViewportW, "height": opts.ViewportH,
		"deviceScaleFactor": 1, "mobile": false,
	}
	if _, err := cdp.Call(callCtx, "Emulation.setDeviceMetricsOverride", metrics); err != nil {
		cdp.Close()
		child.cmd.Process.Kill()
		return result{err: err}
	}

	if opts.URL != "" {
		if err := validateNavigationScheme(opts.URL); err != nil {
			cdp.Close()
			child.cmd.Process.Kill()
			return result{err: err}
		}
		cdp.Call(callCtx, "Page.navigate", map[string]string{"url": opts.URL})
	}

	return result{value: launchOutcome{binary: binary, child: child, cdp: cdp, opts: opts}}
}

type launchOutcome struct {
	binary string
	child  *launchedBrowser
	cdp    *cdpClient
	opts   StartOptions
}

func (s *Service) handleStartComplete(cmd command) {
	args := cmd.args.(struct {
		opts StartOptions
		res  result
		w    *startWaiter
	})

	if args.res.err != nil {
		s.state = StateStopped
		s.starting = nil
		args.w.done <- args.res
		return
	}

	outcome := args.res.value.(launchOutcome)
	s.child = outcome.child
	s.cdp = outcome.cdp
	s.info = Info{Running: true, Endpoint: outcome.child.endpoint, Port: outcome.child.port, ViewportW: args.opts.ViewportW, ViewportH: args.opts.ViewportH}
	s.state = StateRunning

	s.wireCDPEvents()
	s.startScreencastLocked()
	go s.watchChildExit(outcome.child)

	s.starting = nil
	args.w.done <- result{value: s.info}
}

// watchChildExit blocks until child exits, then reports a crash unless
// the exit was requested by stopLocked (spec §4.7: an unexpected child
// exit clears all state and emits browser:crash).
func (s *Service) watchChildExit(child *launchedBrowser) {
	<-child.exited
	if child.stopRequested.Load() {
		return
	}
	s.cmds <- command{kind: "crash", args: exitInfo(child.cmd.ProcessState), reply: make(chan result, 1)}
}

type screencastFrameEvent struct {
	Data     string `json:"data"`
	Metadata struct {
		Timestamp float64 `json:"timestamp"`
	} `json:"metadata"`
	SessionID int `json:"sessionId"`
}

func (s *Service) wireCDPEvents() {
	s.cdp.OnEvent("Page.screencastFrame", func(params json.RawMessage) {
		var evt screencastFrameEvent
		if err := json.Unmarshal(params, &evt); err != nil {
			return
		}
		s.cmds <- command{kind: "frame", args: evt, reply: make(chan result, 1)}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
			defer cancel()
			s.cdp.Call(ctx, "Page.screencastFrameAck", map[string]int{"sessionId": evt.SessionID})
		}()
	})
	s.cdp.OnDisconnect(func(err error) {
		s.cmds <- command{kind: "cdpDisconnect", args: err, reply: make(chan result, 1)}
	})
}

func (s *Service) handleFrame(cmd command) {
	evt := cmd.args.(screencastFrameEvent)

	now := time.Now().UnixMilli()
	key := now
	s.frameTimestamps[key] = now
	s.frameTimestampOrder = append(s.frameTimestampOrder, key)
	if len(s.frameTimestampOrder) > maxFrameTimestamps {
		oldest := s.frameTimestampOrder[0]
		s.frameTimestampOrder = s.frameTimestampOrder[1:]
		delete(s.frameTimestamps, oldest)
	}

	if s.onFrame != nil {
		s.onFrame(FrameEvent{
			Data:      evt.Data,
			Timestamp: now,
			Format:    "jpeg",
			Width:     s.info.ViewportW,
			Height:    s.info.ViewportH,
		})
	}
}

func (s *Service) startScreencastLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
	defer cancel()
	s.cdp.Call(ctx, "Page.startScreencast", map[string]any{
		"format":  "jpeg",
		"quality": s.quality.Quality(),
	})
}

func (s *Service) restartScreencast(quality int) {
	if s.cdp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
	defer cancel()
	s.cdp.Call(ctx, "Page.stopScreencast", nil)
	s.cdp.Call(ctx, "Page.startScreencast", map[string]any{"format": "jpeg", "quality": quality})
}

// Navigate validates url's scheme and, if running, navigates the page.
func (s *Service) Navigate(url string) error {
	_, err := s.call("navigate", url)
	return err
}

func validateNavigationScheme(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return apperr.New(apperr.SchemeBlocked, rawURL)
	}
	return nil
}

func (s *Service) handleNavigate(cmd command) {
	target := cmd.args.(string)
	if s.state != StateRunning && s.state != StateDetached {
		cmd.reply <- result{err: apperr.New(apperr.BrowserNotStarted, "navigate")}
		return
	}
	if err := validateNavigationScheme(target); err != nil {
		cmd.reply <- result{err: err}
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
	defer cancel()
	if _, err := s.cdp.Call(ctx, "Page.navigate", map[string]string{"url": target}); err != nil {
		cmd.reply <- result{err: err}
		return
	}
	cmd.reply <- result{}
}

// Input dispatches a clamped input event (spec's handleInput, spec §8
// property 7).
func (s *Service) Input(evt InputEvent) error {
	_, err := s.call("input", evt)
	return err
}

func (s *Service) handleInput(cmd command) {
	evt := cmd.args.(InputEvent)
	if s.state != StateRunning && s.state != StateDetached {
		cmd.reply <- result{err: apperr.New(apperr.BrowserNotStarted, "input")}
		return
	}

	w, h := float64(s.info.ViewportW), float64(s.info.ViewportH)
	evt.X = clampF(evt.X, 0, w)
	evt.Y = clampF(evt.Y, 0, h)

	ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
	defer cancel()

	switch evt.Kind {
	case "mouseMoved", "mousePressed", "mouseReleased":
		s.cdp.Call(ctx, "Input.dispatchMouseEvent", map[string]any{
			"type": evt.Kind, "x": evt.X, "y": evt.Y,
			"button": evt.Button, "clickCount": evt.ClickCount,
		})
		if evt.Kind == "mouseMoved" {
			s.probeCursor(evt.X, evt.Y)
		}
	case "wheel":
		s.cdp.Call(ctx, "Input.dispatchMouseEvent", map[string]any{
			"type": "mouseWheel", "x": evt.X, "y": evt.Y,
			"deltaX": evt.DeltaX, "deltaY": evt.DeltaY,
		})
	case "keyDown", "keyUp":
		s.cdp.Call(ctx, "Input.dispatchKeyEvent", map[string]any{
			"type": evt.Kind, "key": evt.Key, "code": evt.Code,
		})
	case "text":
		s.cdp.Call(ctx, "Input.insertText", map[string]any{"text": evt.Text})
	}
	cmd.reply <- result{}
}

func (s *Service) probeCursor(x, y float64) {
	if !isFinite(x) || !isFinite(y) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
	defer cancel()
	expr := fmt.Sprintf("getComputedStyle(document.elementFromPoint(%f,%f)||document.body).cursor", x, y)
	raw, err := s.cdp.Call(ctx, "Runtime.evaluate", map[string]any{"expression": expr, "returnByValue": true})
	if err != nil {
		return
	}
	var evalResult struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &evalResult); err != nil {
		return
	}
	cursor := evalResult.Result.Value
	if cursor == "" || cursor == s.lastCursor {
		return
	}
	s.lastCursor = cursor
	if s.onCursor != nil {
		s.onCursor(CursorEvent{Cursor: cursor})
	}
}

func isFinite(f float64) bool { return f == f && f < 1e300 && f > -1e300 }

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Resize updates the viewport and restarts the screencast.
func (s *Service) Resize(w, h int) error {
	_, err := s.call("resize", [2]int{w, h})
	return err
}

func (s *Service) handleResize(cmd command) {
	dims := cmd.args.([2]int)
	if s.state != StateRunning && s.state != StateDetached {
		cmd.reply <- result{err: apperr.New(apperr.BrowserNotStarted, "resize")}
		return
	}
	s.info.ViewportW, s.info.ViewportH = dims[0], dims[1]
	ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
	defer cancel()
	s.cdp.Call(ctx, "Emulation.setDeviceMetricsOverride", map[string]any{
		"width": dims[0], "height": dims[1], "deviceScaleFactor": 1, "mobile": false,
	})
	s.restartScreencast(s.quality.Quality())
	cmd.reply <- result{}
}

// AckFrame records a frame-ack latency sample and applies any
// resulting quality change.
func (s *Service) AckFrame(timestamp int64, nowMs int64) {
	s.cmds <- command{kind: "ackFrame", args: [2]int64{timestamp, nowMs}, reply: make(chan result, 1)}
}

func (s *Service) handleAckFrame(cmd command) {
	args := cmd.args.([2]int64)
	timestamp, nowMs := args[0], args[1]
	sentAt, ok := s.frameTimestamps[timestamp]
	if !ok {
		return
	}
	delete(s.frameTimestamps, timestamp)
	latency := float64(nowMs - sentAt)
	if newQuality, changed := s.quality.Observe(latency); changed {
		s.restartScreencast(newQuality)
	}
}

// DetachPreview stops the screencast and arms the idle-shutdown timer.
func (s *Service) DetachPreview(idleTimeout time.Duration) {
	s.cmds <- command{kind: "detach", args: idleTimeout, reply: make(chan result, 1)}
}

func (s *Service) handleDetach(cmd command) {
	if s.state != StateRunning {
		cmd.reply <- result{}
		return
	}
	timeout := cmd.args.(time.Duration)
	if timeout <= 0 {
		timeout = defaultIdleTimeout
	}
	if s.cdp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
		s.cdp.Call(ctx, "Page.stopScreencast", nil)
		cancel()
	}
	s.state = StateDetached
	s.idleTimer = time.AfterFunc(timeout, func() {
		s.cmds <- command{kind: "crash", args: idleExpiry{}, reply: make(chan result, 1)}
	})
	cmd.reply <- result{}
}

type idleExpiry struct{}

// AttachPreview cancels the idle timer and restarts the screencast.
func (s *Service) AttachPreview() {
	s.cmds <- command{kind: "attach", reply: make(chan result, 1)}
}

func (s *Service) handleAttach(cmd command) {
	if s.state != StateDetached {
		cmd.reply <- result{}
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.state = StateRunning
	s.startScreencastLocked()
	cmd.reply <- result{}
}

// Stop performs full cleanup: stops screencast, closes the inspector,
// kills the child with a grace period, clears all cached state.
func (s *Service) Stop() error {
	_, err := s.call("stop", nil)
	return err
}

func (s *Service) handleStop(cmd command) {
	s.stopLocked()
	cmd.reply <- result{}
}

func (s *Service) stopLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.cdp != nil {
		func() {
			defer func() { recover() }()
			ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
			defer cancel()
			s.cdp.Call(ctx, "Page.stopScreencast", nil)
			s.cdp.Close()
		}()
		s.cdp = nil
	}
	if s.child != nil {
		s.child.stopRequested.Store(true)
		proc := s.child.cmd.Process
		if proc != nil {
			proc.Signal(killSignal())
			select {
			case <-s.child.exited:
			case <-time.After(5 * time.Second):
				proc.Kill()
				<-s.child.exited
			}
		}
		s.child = nil
	}
	s.frameTimestamps = make(map[int64]int64)
	s.frameTimestampOrder = nil
	s.lastCursor = ""
	s.info = Info{}
	s.state = StateStopped
}

func (s *Service) handleCrash(cmd command) {
	wasIdleExpiry := false
	if _, ok := cmd.args.(idleExpiry); ok {
		wasIdleExpiry = true
	}
	s.stopLocked()
	if wasIdleExpiry {
		if s.onIdle != nil {
			s.onIdle()
		}
	} else if s.onCrash != nil {
		s.onCrash(cmd.args.(CrashEvent))
	}
	cmd.reply <- result{}
}

func (s *Service) handleCDPDisconnect(cmd command) {
	s.stopLocked()
	if s.onError != nil {
		s.onError(apperr.New(apperr.CdpConnectionLost, "inspector disconnected"))
	}
	cmd.reply <- result{}
}

// Status returns the current Info without mutating state.
func (s *Service) Status() Info {
	v, _ := s.call("status", nil)
	return v.(Info)
}
