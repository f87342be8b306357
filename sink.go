package main

import "log/slog"

type Indicator string

const (
	IndicatorGrey  Indicator = "grey"
	IndicatorGreen Indicator = "green"
	IndicatorRed   Indicator = "red"
)

type NotificationKind string

const (
	NotifyTimeout NotificationKind = "timeout"
	NotifyUpdated NotificationKind = "updated"
)

type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Title   string           `json:"title"`
	Message string           `json:"message"`
}

// Status is a read-only view of the bridge for presentation.
type Status struct {
	State          State     `json:"state"`
	Token          string    `json:"token,omitempty"`
	Server         string    `json:"server,omitempty"`
	ConnectEnabled bool      `json:"connectEnabled"`
	Indicator      Indicator `json:"indicator"`
	FirmwareCursor int       `json:"firmwareCursor"`
	FirmwareTotal  int       `json:"firmwareTotal"`
}

// CustomServer is the advanced-options setting that points the bridge at a
// server other than the default one.
type CustomServer struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    string `json:"port" yaml:"port"`
}

func (c CustomServer) Validate() error {
	if c.Enabled && (c.Host == "" || c.Port == "") {
		return ErrInvalidServer
	}
	return nil
}

// Sink is told about everything the user should see. Calls are made from the
// bridge's round goroutine and from whichever goroutine invoked Connect, never
// while the bridge holds its lock.
type Sink interface {
	StateChanged(State)
	TokenChanged(string)
	ConnectEnabled(bool)
	IndicatorChanged(Indicator)
	Notify(Notification)
}

// Controller is what the presentation side may ask of the bridge.
type Controller interface {
	Connect() (string, error)
	Disconnect() error
	SetCustomServer(CustomServer) error
	Status() Status
}

// Sinks fans every event out to each member in order.
type Sinks []Sink

func (s Sinks) StateChanged(st State) {
	for _, sink := range s {
		sink.StateChanged(st)
	}
}

func (s Sinks) TokenChanged(token string) {
	for _, sink := range s {
		sink.TokenChanged(token)
	}
}

func (s Sinks) ConnectEnabled(enabled bool) {
	for _, sink := range s {
		sink.ConnectEnabled(enabled)
	}
}

func (s Sinks) IndicatorChanged(i Indicator) {
	for _, sink := range s {
		sink.IndicatorChanged(i)
	}
}

func (s Sinks) Notify(n Notification) {
	for _, sink := range s {
		sink.Notify(n)
	}
}

type LogSink struct {
	logger *slog.Logger
}

func (l LogSink) StateChanged(st State) {
	l.logger.Info("State changed.", "state", st)
}

func (l LogSink) TokenChanged(token string) {
	if token == "" {
		l.logger.Info("Session token cleared.")
		return
	}
	l.logger.Info("New session token, enter it in the Open Roberta lab.", "token", token)
}

func (l LogSink) ConnectEnabled(enabled bool) {
	l.logger.Debug("Connect control toggled.", "enabled", enabled)
}

func (l LogSink) IndicatorChanged(i Indicator) {
	l.logger.Debug("Indicator changed.", "indicator", i)
}

func (l LogSink) Notify(n Notification) {
	l.logger.Warn(n.Title, "kind", n.Kind, "message", n.Message)
}
