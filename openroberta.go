package main

import (
	"maps"
	"strconv"
)

// Command is the value of the "cmd" key exchanged with both the brick and the
// Open Roberta server.
type Command string

const (
	CmdRegister  Command = "register"
	CmdPush      Command = "push"
	CmdRepeat    Command = "repeat"
	CmdDownload  Command = "download"
	CmdUpdate    Command = "update"
	CmdAbort     Command = "abort"
	CmdIsRunning Command = "isrunning"
)

const (
	keyCmd       = "cmd"
	keyToken     = "token"
	keyIsRunning = "isrunning"

	headerFilename = "Filename"
)

// DefaultFirmware is the ordered list of artifacts making up a brick firmware.
var DefaultFirmware = []string{"ev3menu", "jsonlib", "shared", "runtime"}

// BrickInfo is whatever the brick reports about itself. Only isrunning is
// interpreted; everything else is passed through to the server untouched.
type BrickInfo map[string]any

// Running reports the isrunning flag. The brick has been seen to send both
// JSON booleans and the strings "true"/"false".
func (i BrickInfo) Running() (running bool, ok bool) {
	switch v := i[keyIsRunning].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, false
		}
		return b, true
	}

	return false, false
}

// withSession returns a copy of the snapshot carrying the token and command
// expected by the server.
func (i BrickInfo) withSession(token string, cmd Command) map[string]any {
	out := make(map[string]any, len(i)+2)
	maps.Copy(out, i)
	out[keyToken] = token
	out[keyCmd] = cmd
	return out
}

type brickCommand struct {
	Cmd Command `json:"cmd"`
}

type pushReply struct {
	Cmd Command `json:"cmd"`
}

// Artifact is a binary payload moved from the server to the brick.
type Artifact struct {
	Filename string
	Data     []byte
}
