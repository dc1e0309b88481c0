package statebus

// Status is the lifecycle state every module publishes in its implicit
// "status" field.
//
// A module starts [StatusPending]. It reports [StatusOnline] itself once it
// is ready; the host only ever forces [StatusOffline] (module disabled) or
// [StatusFailure] (Init returned an error or panicked).
type Status string

const (
	// StatusPending is the initial status of every module.
	StatusPending Status = "pending"

	// StatusOnline indicates the module is initialized and serving.
	StatusOnline Status = "online"

	// StatusOffline indicates the module is not running, for example because
	// it was disabled by configuration.
	StatusOffline Status = "offline"

	// StatusFailure indicates the module failed to initialize.
	StatusFailure Status = "failure"
)

// String returns the string representation of the status.
// This implements the fmt.Stringer interface.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the four defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusOnline, StatusOffline, StatusFailure:
		return true
	}
	return false
}

// Names of the fields every module implicitly owns.
const (
	StatusKey        = "status"
	StatusMessageKey = "statusMessage"
)

// disabledMessage is the status message of modules disabled by
// configuration.
const disabledMessage = "Disabled"

// StatusRow is the status of one module as reported by [Bus.Status].
type StatusRow struct {
	Module  string
	Status  Status
	Message string
}
