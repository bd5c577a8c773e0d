package eval

import (
	"os"
	"time"

	"github.com/google/uuid"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/value"
)

// fn is a pure built-in function. The table is closed: adding a function is
// a versioned engine change because flows serialize function names.
type fn func(args []string) (value.Value, error)

func nowFunc(args []string) (value.Value, error) {
	if len(args) != 0 {
		return value.Null(), faults.Errorf(faults.KindData, "now() takes no arguments")
	}
	return value.String(time.Now().UTC().Format(time.RFC3339Nano)), nil
}

func uuidFunc(args []string) (value.Value, error) {
	if len(args) != 0 {
		return value.Null(), faults.Errorf(faults.KindData, "uuid() takes no arguments")
	}
	return value.String(uuid.NewString()), nil
}

// envFunc returns the env() implementation restricted to the given variable
// names. With no whitelist every lookup fails; exposing the process
// environment to flows is always an explicit deployment decision.
func envFunc(whitelist []string) fn {
	allowed := make(map[string]struct{}, len(whitelist))
	for _, name := range whitelist {
		allowed[name] = struct{}{}
	}
	return func(args []string) (value.Value, error) {
		if len(args) != 1 {
			return value.Null(), faults.Errorf(faults.KindData, "env() takes exactly one argument")
		}
		if _, ok := allowed[args[0]]; !ok {
			return value.Null(), faults.Errorf(faults.KindData, "env: variable %q is not whitelisted", args[0])
		}
		return value.String(os.Getenv(args[0])), nil
	}
}
