package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"
)

type State int

const (
	Searching State = iota
	AwaitingUser
	Registering
	Connected
	Polling
	DownloadingProgram
	UpdatingFirmware
	TimedOut
)

var stateNames = [...]string{
	Searching:          "searching",
	AwaitingUser:       "awaiting_user",
	Registering:        "registering",
	Connected:          "connected",
	Polling:            "polling",
	DownloadingProgram: "downloading_program",
	UpdatingFirmware:   "updating_firmware",
	TimedOut:           "timed_out",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// sessionActive reports whether a disconnect makes sense in this state.
func (s State) sessionActive() bool {
	switch s {
	case Registering, Connected, Polling, DownloadingProgram, UpdatingFirmware:
		return true
	}
	return false
}

const DefaultTickInterval = time.Second

type Session struct {
	Token  string
	Server string
	Custom bool
}

type BridgeOptions struct {
	Brick         *Brick
	DefaultServer string
	Firmware      []string
	Interval      time.Duration
	Sink          Sink
	NewToken      func() string
	HTTPClient    *http.Client
}

// Bridge is the polling state machine between one brick and one Open Roberta
// server. Every tick it runs at most one round of requests; a round holds the
// inflight latch from its first request until its last reply.
type Bridge struct {
	brick         *Brick
	defaultServer string
	firmware      []string
	interval      time.Duration
	sink          Sink
	newToken      func() string
	httpClient    *http.Client
	logger        *slog.Logger

	inflight chan struct{}
	rounds   sync.WaitGroup

	mu             sync.Mutex
	state          State
	session        Session
	server         *Orchestrator
	custom         CustomServer
	snapshot       BrickInfo
	cursor         int
	blink          bool
	indicator      Indicator
	connectEnabled bool
	disconnect     bool
	cancelServer   context.CancelCauseFunc
}

func NewBridge(opts BridgeOptions, logger *slog.Logger) *Bridge {
	b := &Bridge{
		brick:         opts.Brick,
		defaultServer: opts.DefaultServer,
		firmware:      opts.Firmware,
		interval:      opts.Interval,
		sink:          opts.Sink,
		newToken:      opts.NewToken,
		httpClient:    opts.HTTPClient,
		logger:        logger,
		inflight:      make(chan struct{}, 1),
		state:         Searching,
		blink:         true,
		indicator:     IndicatorGrey,
	}

	if b.brick == nil {
		b.brick = NewBrick(DefaultBrickAddress, DefaultRunStateTimeout)
	}
	if b.defaultServer == "" {
		b.defaultServer = DefaultServerAddress
	}
	if b.firmware == nil {
		b.firmware = DefaultFirmware
	}
	if b.interval <= 0 {
		b.interval = DefaultTickInterval
	}
	if b.sink == nil {
		b.sink = Sinks{}
	}
	if b.newToken == nil {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		b.newToken = func() string { return GenerateToken(r) }
	}
	if b.httpClient == nil {
		b.httpClient = &http.Client{}
	}

	return b
}

// SetSink replaces the sink. It must be called before Run.
func (b *Bridge) SetSink(s Sink) {
	b.sink = s
}

func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Status{
		State:          b.state,
		Token:          b.session.Token,
		Server:         b.session.Server,
		ConnectEnabled: b.connectEnabled,
		Indicator:      b.indicator,
		FirmwareCursor: b.cursor,
		FirmwareTotal:  len(b.firmware),
	}
}

// SetCustomServer changes the server used by the next session. An enabled
// setting without host or port is refused and the old one kept.
func (b *Bridge) SetCustomServer(c CustomServer) error {
	if err := c.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	b.custom = c
	b.mu.Unlock()

	b.logger.Info("Custom server setting changed.", "enabled", c.Enabled, "host", c.Host, "port", c.Port)
	return nil
}

// Connect starts a new session with a fresh token. The brick must have been
// found idle first.
func (b *Bridge) Connect() (string, error) {
	b.mu.Lock()
	if b.state != AwaitingUser {
		st := b.state
		b.mu.Unlock()
		b.logger.Debug("Ignoring connect request.", "state", st)
		return "", ErrNotReady
	}

	token := b.newToken()
	b.session = Session{Token: token}
	b.disconnect = false
	b.state = Registering
	b.mu.Unlock()

	b.sink.TokenChanged(token)
	b.sink.StateChanged(Registering)

	return token, nil
}

// Disconnect ends the current session. An outstanding server request is
// aborted right away; otherwise the disconnect is applied by the next round.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.state.sessionActive() {
		return ErrNotConnected
	}

	b.disconnect = true

	if b.cancelServer != nil {
		b.logger.Info("Aborting outstanding server request.")
		b.cancelServer(ErrDisconnected)
	}

	return nil
}

// Run drives the state machine until ctx is done. A tick arriving while a
// round is in flight does nothing.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	defer b.rounds.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !b.acquire() {
				continue
			}

			b.rounds.Add(1)
			go func() {
				defer b.rounds.Done()
				defer b.release()
				b.round(ctx)
			}()
		}
	}
}

// Step runs a single round synchronously. It returns false without doing
// anything if another round is still in flight.
func (b *Bridge) Step(ctx context.Context) bool {
	if !b.acquire() {
		return false
	}
	defer b.release()

	b.round(ctx)
	return true
}

func (b *Bridge) acquire() bool {
	select {
	case b.inflight <- struct{}{}:
		return true
	default:
		return false
	}
}

func (b *Bridge) release() {
	<-b.inflight
}

func (b *Bridge) round(ctx context.Context) {
	b.mu.Lock()
	state := b.state
	pending := b.disconnect && state.sessionActive()
	b.mu.Unlock()

	if pending {
		b.signOut(ctx)
		return
	}

	switch state {
	case Searching:
		b.search(ctx)
	case AwaitingUser:
		// Nothing to do until the user asks to connect.
	case Registering:
		b.resolveServer()
		b.push(ctx, b.brick.BeginRegistration, CmdRegister)
	case Connected:
		b.setIndicator(IndicatorGreen)
		b.push(ctx, b.brick.BeginRun, CmdPush)
	case Polling:
		b.poll(ctx)
	case DownloadingProgram:
		b.downloadProgram(ctx)
	case UpdatingFirmware:
		b.updateFirmware(ctx)
	case TimedOut:
		b.timeout()
	default:
		b.logger.Error("Unknown state.", "state", state)
	}
}

func (b *Bridge) search(ctx context.Context) {
	info, err := b.brick.QueryRunState(ctx)
	if err != nil {
		b.logger.Debug("Brick not answering, will retry.", "err", err)
		return
	}

	if running, _ := info.Running(); running {
		return
	}

	b.logger.Info("Found idle brick.", "address", b.brick.Address)
	b.setState(AwaitingUser)
	b.setConnectEnabled(true)
}

func (b *Bridge) poll(ctx context.Context) {
	b.mu.Lock()
	i := IndicatorGreen
	if b.blink {
		i = IndicatorRed
	}
	b.blink = !b.blink
	b.mu.Unlock()

	b.setIndicator(i)

	info, err := b.brick.QueryRunState(ctx)
	if err != nil {
		b.logger.Debug("Brick not answering while running a program.", "err", err)
		return
	}

	if running, _ := info.Running(); running {
		return
	}

	b.logger.Info("Program finished.")
	b.setState(Connected)
}

func (b *Bridge) resolveServer() {
	b.mu.Lock()
	addr := b.defaultServer
	custom := b.custom.Enabled
	if custom {
		addr = net.JoinHostPort(b.custom.Host, b.custom.Port)
	}
	b.session.Server = addr
	b.session.Custom = custom
	b.server = NewOrchestrator(addr, b.httpClient)
	b.mu.Unlock()

	b.logger.Debug("Resolved server address.", "server", addr, "custom", custom)
}

func (b *Bridge) push(ctx context.Context, brickCall func(context.Context) (BrickInfo, error), cmd Command) {
	info, err := brickCall(ctx)
	if err != nil {
		b.logger.Warn("Brick request failed.", "cmd", cmd, "err", err)
		return
	}

	b.mu.Lock()
	b.snapshot = info
	b.mu.Unlock()

	var reply Command
	err = b.withServer(ctx, func(ctx context.Context, server *Orchestrator, s Session) error {
		var err error
		reply, err = server.Push(ctx, info, s.Token, cmd)
		return err
	})
	if err != nil {
		b.serverFailed(ctx, "Push to server failed.", err)
		return
	}

	b.apply(reply)
}

// apply advances the state according to the command the server sent back.
func (b *Bridge) apply(cmd Command) {
	b.logger.Debug("Server replied.", "cmd", cmd)

	switch cmd {
	case CmdRepeat:
		b.setState(Connected)
	case CmdDownload:
		b.setState(DownloadingProgram)
	case CmdUpdate:
		b.mu.Lock()
		b.cursor = 0
		b.mu.Unlock()
		b.setState(UpdatingFirmware)
	case CmdAbort:
		b.clearSession()
		b.setState(TimedOut)
	}
}

func (b *Bridge) downloadProgram(ctx context.Context) {
	b.mu.Lock()
	info := b.snapshot
	b.mu.Unlock()

	var prog Artifact
	err := b.withServer(ctx, func(ctx context.Context, server *Orchestrator, s Session) error {
		var err error
		prog, err = server.DownloadProgram(ctx, info, s.Token)
		return err
	})
	if err != nil {
		b.serverFailed(ctx, "Program download failed.", err)
		return
	}

	if _, err := b.brick.UploadProgram(ctx, prog.Data, prog.Filename); err != nil {
		b.logger.Warn("Program upload to brick failed.", "filename", prog.Filename, "err", err)
		return
	}

	b.logger.Info("Program uploaded to brick.", "filename", prog.Filename, "bytes", len(prog.Data))
	b.setState(Polling)
}

func (b *Bridge) updateFirmware(ctx context.Context) {
	for {
		b.mu.Lock()
		cursor := b.cursor
		b.mu.Unlock()

		if cursor >= len(b.firmware) {
			break
		}

		name := b.firmware[cursor]

		var a Artifact
		err := b.withServer(ctx, func(ctx context.Context, server *Orchestrator, _ Session) error {
			var err error
			a, err = server.DownloadFirmware(ctx, name)
			return err
		})
		if err != nil {
			b.serverFailed(ctx, "Firmware download failed.", err)
			return
		}

		if _, err := b.brick.UploadFirmware(ctx, a.Data, a.Filename); err != nil {
			b.logger.Warn("Firmware upload to brick failed.", "artifact", name, "err", err)
			return
		}

		b.mu.Lock()
		b.cursor++
		b.mu.Unlock()

		b.logger.Info("Firmware artifact uploaded.", "artifact", name, "filename", a.Filename, "n", cursor+1, "of", len(b.firmware))
	}

	if _, err := b.brick.Restart(ctx); err != nil {
		b.logger.Warn("Brick restart failed.", "err", err)
		return
	}

	b.clearSession()
	b.setIndicator(IndicatorGrey)
	b.setState(Searching)
	b.setConnectEnabled(false)
	b.sink.Notify(Notification{
		Kind:    NotifyUpdated,
		Title:   "Update successful",
		Message: "The brick is restarting now, please wait a moment.",
	})
}

func (b *Bridge) timeout() {
	b.sink.Notify(Notification{
		Kind:    NotifyTimeout,
		Title:   "Connection timed out",
		Message: "The token was not used in time, connect again for a new one.",
	})

	b.clearSession()
	b.setIndicator(IndicatorGrey)
	b.setState(Searching)
	b.setConnectEnabled(false)
}

// withServer runs call with a context the user can cancel through Disconnect.
// It refuses to start the call when a disconnect is already pending.
func (b *Bridge) withServer(ctx context.Context, call func(context.Context, *Orchestrator, Session) error) error {
	b.mu.Lock()
	if b.disconnect {
		b.mu.Unlock()
		return ErrDisconnected
	}

	sctx, cancel := context.WithCancelCause(ctx)
	b.cancelServer = cancel
	server, session := b.server, b.session
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.cancelServer = nil
		b.mu.Unlock()
		cancel(nil)
	}()

	if server == nil {
		return errors.New("no server resolved for this session")
	}

	return call(sctx, server, session)
}

func (b *Bridge) serverFailed(ctx context.Context, msg string, err error) {
	if errors.Is(err, ErrDisconnected) {
		b.signOut(ctx)
		return
	}

	b.logger.Warn(msg, "err", err)
}

// signOut tells the brick its session is over and goes back to waiting for
// the user. The brick's reply is not needed.
func (b *Bridge) signOut(ctx context.Context) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.brick.RunStateTimeout)
	defer cancel()

	if _, err := b.brick.Abort(actx); err != nil {
		b.logger.Debug("Brick sign-out failed.", "err", err)
	}

	b.mu.Lock()
	b.disconnect = false
	b.mu.Unlock()

	b.logger.Info("Disconnected by user.")
	b.clearSession()
	b.setIndicator(IndicatorGrey)
	b.setState(AwaitingUser)
	b.setConnectEnabled(true)
}

func (b *Bridge) clearSession() {
	b.mu.Lock()
	had := b.session.Token != ""
	b.session = Session{}
	b.server = nil
	b.snapshot = nil
	b.mu.Unlock()

	if had {
		b.sink.TokenChanged("")
	}
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	changed := b.state != s
	b.state = s
	b.mu.Unlock()

	if changed {
		b.sink.StateChanged(s)
	}
}

func (b *Bridge) setIndicator(i Indicator) {
	b.mu.Lock()
	changed := b.indicator != i
	b.indicator = i
	b.mu.Unlock()

	if changed {
		b.sink.IndicatorChanged(i)
	}
}

func (b *Bridge) setConnectEnabled(enabled bool) {
	b.mu.Lock()
	changed := b.connectEnabled != enabled
	b.connectEnabled = enabled
	b.mu.Unlock()

	if changed {
		b.sink.ConnectEnabled(enabled)
	}
}
