package cli

import (
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

// A Verbosity is used as a flag to define logging verbosity, and maps
// directly onto gopkg.in/op/go-logging.v1's Level.
type Verbosity int

const (
	Critical Verbosity = iota
	Error
	Warning
	Notice
	Info
	Debug
)

// UnmarshalFlag implements the flags.Unmarshaler interface, accepting either
// a level name ("debug") or a number (0-5).
func (v *Verbosity) UnmarshalFlag(in string) error {
	switch in {
	case "critical":
		*v = Critical
	case "error":
		*v = Error
	case "warning":
		*v = Warning
	case "notice":
		*v = Notice
	case "info":
		*v = Info
	case "debug":
		*v = Debug
	default:
		n, err := parseInt(in)
		if err != nil {
			return flagsError(err)
		}
		*v = Verbosity(n)
	}
	return nil
}

// InitLogging sets up the default stderr logging backend at the given
// verbosity, in the format the rest of the ambient stack's loggers expect.
func InitLogging(verbosity Verbosity) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.MustStringFormatter("%{time:15:04:05.000} %{level:7s}: %{message}")
	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, formatter))
	leveled.SetLevel(logging.Level(verbosity), "")
	logging.SetBackend(leveled)
}

func parseInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, flagsError(errInvalidVerbosity)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

var errInvalidVerbosity = errInvalidVerbosityType("invalid verbosity")

type errInvalidVerbosityType string

func (e errInvalidVerbosityType) Error() string { return string(e) }
