// Command -> handler mapping.

package bsta

import (
	"github.com/pkg/errors"
)

// A handler validates and applies a request; the returned error, if any,
// should be rooted in a Status which becomes the response result.
type Handler func(agent *Agent, req *Request) error

type CommandTableEntry struct {
	Command Command
	Handler Handler
}

var ErrNotFound = errors.New("command not found")

var commandTable = []CommandTableEntry{
	{COMMAND_GET_FEATURE, (*Agent).handleGetFeature},
	{COMMAND_SET_FEATURE, (*Agent).handleSetFeature},
	{COMMAND_GET_TRACK, (*Agent).handleGetTrack},
	{COMMAND_SET_TRACK, (*Agent).handleSetTrack},
	{COMMAND_GET_THRESHOLD, (*Agent).handleGetReport},
	{COMMAND_SET_THRESHOLD, (*Agent).handleSetThreshold},
	{COMMAND_CLEAR_THRESHOLD, (*Agent).handleClearThreshold},
	{COMMAND_CLEAR_STATS, (*Agent).handleClearStats},
	{COMMAND_GET_REPORT, (*Agent).handleGetReport},
	{COMMAND_TRIGGER_REPORT, (*Agent).handleGetReport},
}

func LookupHandler(cmd Command) (Handler, error) {
	for _, entry := range commandTable {
		if entry.Command == cmd {
			return entry.Handler, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "%s", cmd)
}
