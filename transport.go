package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// roundTrip performs req and classifies the failure modes shared by the brick
// and server clients. On success the caller owns the response body.
func roundTrip(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	op := req.Method + " " + req.URL.Path

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, op)
		}

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%s: %w", op, ErrTimeout)
		}

		return nil, &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &TransportError{Op: op, Status: resp.StatusCode}
	}

	return resp, nil
}

// contextError turns a finished context into ErrTimeout or ErrAborted. The
// cause is kept so callers can tell a user disconnect from other cancellations.
func contextError(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrAborted, context.Cause(ctx))
}

func newJSONRequest(method, url string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(method, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json; charset=utf8")
	return req, nil
}

func newBinaryRequest(url string, data []byte, filename string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(headerFilename, filename)
	return req, nil
}

func decodeJSON(ctx context.Context, resp *http.Response, out any) error {
	defer resp.Body.Close()

	op := resp.Request.Method + " " + resp.Request.URL.Path

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return contextError(ctx, op)
		}
		return &ProtocolError{Op: op, Err: err}
	}

	return nil
}

func readArtifact(ctx context.Context, resp *http.Response) (Artifact, error) {
	defer resp.Body.Close()

	op := resp.Request.Method + " " + resp.Request.URL.Path

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Artifact{}, contextError(ctx, op)
		}
		return Artifact{}, &TransportError{Op: op, Err: err}
	}

	return Artifact{Filename: resp.Header.Get(headerFilename), Data: data}, nil
}
