package main

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const (
	DefaultBrickAddress    = "10.0.1.1:80"
	DefaultRunStateTimeout = 3 * time.Second
)

// Brick talks to the HTTP API of an EV3 running the Open Roberta menu.
type Brick struct {
	Address         string
	RunStateTimeout time.Duration

	client *http.Client
}

func NewBrick(address string, runStateTimeout time.Duration) *Brick {
	if runStateTimeout <= 0 {
		runStateTimeout = DefaultRunStateTimeout
	}

	return &Brick{
		Address:         address,
		RunStateTimeout: runStateTimeout,
		client:          &http.Client{},
	}
}

func (b *Brick) url(path string) string {
	return "http://" + b.Address + path
}

// QueryRunState asks whether the brick is executing a program. A reply
// without a usable isrunning flag is a ProtocolError.
func (b *Brick) QueryRunState(ctx context.Context) (BrickInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, b.RunStateTimeout)
	defer cancel()

	info, err := b.command(ctx, CmdIsRunning)
	if err != nil {
		return nil, err
	}

	if _, ok := info.Running(); !ok {
		return nil, &ProtocolError{Op: "POST /brickinfo", Err: errors.New("reply has no isrunning flag")}
	}

	return info, nil
}

func (b *Brick) BeginRegistration(ctx context.Context) (BrickInfo, error) {
	return b.command(ctx, CmdRegister)
}

func (b *Brick) BeginRun(ctx context.Context) (BrickInfo, error) {
	return b.command(ctx, CmdRepeat)
}

// Abort signs the brick out of its server session.
func (b *Brick) Abort(ctx context.Context) (BrickInfo, error) {
	return b.command(ctx, CmdAbort)
}

// Restart reboots the brick into freshly uploaded firmware.
func (b *Brick) Restart(ctx context.Context) (BrickInfo, error) {
	return b.command(ctx, CmdUpdate)
}

func (b *Brick) UploadProgram(ctx context.Context, data []byte, filename string) (BrickInfo, error) {
	return b.upload(ctx, "/program", data, filename)
}

func (b *Brick) UploadFirmware(ctx context.Context, data []byte, filename string) (BrickInfo, error) {
	return b.upload(ctx, "/firmware", data, filename)
}

func (b *Brick) command(ctx context.Context, cmd Command) (BrickInfo, error) {
	req, err := newJSONRequest(http.MethodPost, b.url("/brickinfo"), brickCommand{Cmd: cmd})
	if err != nil {
		return nil, err
	}

	return b.do(ctx, req)
}

func (b *Brick) upload(ctx context.Context, path string, data []byte, filename string) (BrickInfo, error) {
	req, err := newBinaryRequest(b.url(path), data, filename)
	if err != nil {
		return nil, err
	}

	return b.do(ctx, req)
}

func (b *Brick) do(ctx context.Context, req *http.Request) (BrickInfo, error) {
	resp, err := roundTrip(ctx, b.client, req)
	if err != nil {
		return nil, err
	}

	info := BrickInfo{}
	if err := decodeJSON(ctx, resp, &info); err != nil {
		return nil, err
	}

	return info, nil
}
