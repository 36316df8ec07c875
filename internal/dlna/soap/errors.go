package soap

import "fmt"

// DeviceRejectedError represents a UPnP application error in a SOAP response.
// Callers treat it as an empty result rather than a failure.
type DeviceRejectedError struct {
	Action      string
	Code        string
	Description string
}

func (e *DeviceRejectedError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("dlna action %s rejected: code %s", e.Action, e.Code)
	}
	return fmt.Sprintf("dlna action %s rejected: code %s (%s)", e.Action, e.Code, e.Description)
}

// DeviceTimeoutError indicates a request timed out.
type DeviceTimeoutError struct {
	Action string
}

func (e *DeviceTimeoutError) Error() string {
	return fmt.Sprintf("dlna action %s timed out", e.Action)
}

// DeviceUnreachableError indicates the device could not be reached.
// Refused marks the connect-refused class that counts toward device removal.
type DeviceUnreachableError struct {
	Action  string
	Refused bool
	Err     error
}

func (e *DeviceUnreachableError) Error() string {
	return fmt.Sprintf("dlna action %s unreachable: %v", e.Action, e.Err)
}

func (e *DeviceUnreachableError) Unwrap() error {
	return e.Err
}
