// Result codes carried by responses and returned by handlers.

package bsta

import (
	"fmt"

	"github.com/pkg/errors"
)

type Status int

const (
	STATUS_SUCCESS Status = iota
	STATUS_FAILURE
	STATUS_INVALID_PARAMETER
	STATUS_RESOURCE_UNAVAILABLE
	STATUS_INIT_FAILED
	// Must be last:
	STATUS_COUNT
)

var statusNameMap = map[Status]string{
	STATUS_SUCCESS:              "success",
	STATUS_FAILURE:              "failure",
	STATUS_INVALID_PARAMETER:    "invalid parameter",
	STATUS_RESOURCE_UNAVAILABLE: "resource unavailable",
	STATUS_INIT_FAILED:          "init failed",
}

func (status Status) String() string {
	if name, ok := statusNameMap[status]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(status))
}

// Statuses are errors such that they can be wrapped w/ context and recovered
// via StatusOf:
func (status Status) Error() string {
	return status.String()
}

// Recover the status from a (possibly wrapped) error; nil maps to success and
// errors not rooted in a Status map to failure.
func StatusOf(err error) Status {
	if err == nil {
		return STATUS_SUCCESS
	}
	if status, ok := errors.Cause(err).(Status); ok {
		return status
	}
	return STATUS_FAILURE
}
