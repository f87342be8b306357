package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

const DefaultServerAddress = "localhost:1999"

// Orchestrator talks to an Open Roberta server on behalf of one brick.
type Orchestrator struct {
	Address string

	client *http.Client
}

func NewOrchestrator(address string, client *http.Client) *Orchestrator {
	if client == nil {
		client = &http.Client{}
	}

	return &Orchestrator{Address: address, client: client}
}

func (o *Orchestrator) url(path string) string {
	return "http://" + o.Address + path
}

// Push reports the brick snapshot and asks the server what to do next.
func (o *Orchestrator) Push(ctx context.Context, info BrickInfo, token string, cmd Command) (Command, error) {
	req, err := newJSONRequest(http.MethodPost, o.url("/pushcmd"), info.withSession(token, cmd))
	if err != nil {
		return "", err
	}

	resp, err := roundTrip(ctx, o.client, req)
	if err != nil {
		return "", err
	}

	var reply pushReply
	if err := decodeJSON(ctx, resp, &reply); err != nil {
		return "", err
	}

	switch reply.Cmd {
	case CmdRepeat, CmdDownload, CmdUpdate, CmdAbort:
		return reply.Cmd, nil
	}

	return "", &ProtocolError{Op: "POST /pushcmd", Err: fmt.Errorf("unknown command %q", reply.Cmd)}
}

// DownloadProgram fetches the compiled user program waiting for this session.
func (o *Orchestrator) DownloadProgram(ctx context.Context, info BrickInfo, token string) (Artifact, error) {
	req, err := newJSONRequest(http.MethodPost, o.url("/download"), info.withSession(token, CmdPush))
	if err != nil {
		return Artifact{}, err
	}

	resp, err := roundTrip(ctx, o.client, req)
	if err != nil {
		return Artifact{}, err
	}

	a, err := readArtifact(ctx, resp)
	if err != nil {
		return Artifact{}, err
	}

	if a.Filename == "" {
		return Artifact{}, &ProtocolError{Op: "POST /download", Err: errors.New("reply has no Filename header")}
	}

	return a, nil
}

// DownloadFirmware fetches one firmware artifact by name.
func (o *Orchestrator) DownloadFirmware(ctx context.Context, name string) (Artifact, error) {
	req, err := http.NewRequest(http.MethodGet, o.url("/update/"+url.PathEscape(name)), nil)
	if err != nil {
		return Artifact{}, err
	}

	resp, err := roundTrip(ctx, o.client, req)
	if err != nil {
		return Artifact{}, err
	}

	a, err := readArtifact(ctx, resp)
	if err != nil {
		return Artifact{}, err
	}

	if a.Filename == "" {
		a.Filename = name
	}

	return a, nil
}
