package channel

import (
	"errors"
	"path/filepath"

	"github.com/guseggert/imagewriter/config"
)

var (
	ErrDisconnected = errors.New("channel: disconnected")
	ErrConnect      = errors.New("channel: unable to connect")
	ErrClosed       = errors.New("channel: server closed")
)

// Endpoint identifies one channel.
type Endpoint struct {
	// ID is the channel identity. The worker must present it when connecting.
	ID string
	// Root is the directory holding the socket.
	Root string
	// ServerID names the socket within Root.
	ServerID string
}

func EndpointFromConfig(c config.Config) Endpoint {
	return Endpoint{ID: c.ChannelID, Root: c.SocketRoot, ServerID: c.ServerID}
}

// Path is the filesystem path of the endpoint's unix socket.
func (e Endpoint) Path() string {
	return filepath.Join(e.Root, e.ServerID+".sock")
}

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Errored:
		return "errored"
	}
	return "unknown"
}
