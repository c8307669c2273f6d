package handshake

type Status string

const (
	StatusCreating   Status = "creating"
	StatusWaiting    Status = "waiting"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusClosed     Status = "closed"
	StatusError      Status = "error"
)

// Terminal reports whether no further status can follow s.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusError
}

// StatusUpdate is published on every transition. Code is set while waiting
// for the joiner; Err is set with StatusError.
type StatusUpdate struct {
	Status Status
	Code   string
	Err    error
}

func (u StatusUpdate) Message() string {
	switch {
	case u.Err != nil:
		return u.Err.Error()
	case u.Code != "":
		return string(u.Status) + " " + u.Code
	default:
		return string(u.Status)
	}
}
