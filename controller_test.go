package main

import (
	"errors"
	"sync"
)

// fakeController records what the presentation layers ask for.
type fakeController struct {
	mu          sync.Mutex
	status      Status
	connects    int
	disconnects int
	custom      []CustomServer
	connectErr  error
	discErr     error
}

func (c *fakeController) Connect() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return "", c.connectErr
	}
	return testToken, nil
}

func (c *fakeController) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return c.discErr
}

func (c *fakeController) SetCustomServer(cs CustomServer) error {
	if err := cs.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom = append(c.custom, cs)
	return nil
}

func (c *fakeController) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeController) counts() (connects, disconnects int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.disconnects
}

func (c *fakeController) servers() []CustomServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CustomServer(nil), c.custom...)
}

var errRejected = errors.New("rejected")
