// Package security validates agent-issued shell commands before they run.
// A base deny-list always applies; strict mode adds network validators for
// curl and wget that block data uploads to external hosts.
package security

import (
	"fmt"
	"strings"
)

// Result is the outcome of validating a single command.
type Result struct {
	Valid  bool
	Reason string
}

// Allow returns a passing Result.
func Allow() Result { return Result{Valid: true} }

// Deny returns a failing Result with the given reason.
func Deny(reason string) Result { return Result{Valid: false, Reason: reason} }

// ValidatorFunc validates a full command string for one command name.
type ValidatorFunc func(command string) Result

// denyList contains commands that task processes may never run directly.
var denyList = map[string]struct{}{
	"rm":       {},
	"rmdir":    {},
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"kill":     {},
	"killall":  {},
	"pkill":    {},
	"sudo":     {},
	"su":       {},
	"chmod":    {},
	"chown":    {},
}

// strictValidators are added when strict mode is on.
var strictValidators = map[string]ValidatorFunc{
	"curl": ValidateCurl,
	"wget": ValidateWget,
}

// Registry maps command names to validators and applies the deny-list.
type Registry struct {
	strict     bool
	validators map[string]ValidatorFunc
}

// NewRegistry builds a Registry. In strict mode the network validators
// for curl and wget are active.
func NewRegistry(strict bool) *Registry {
	r := &Registry{
		strict:     strict,
		validators: make(map[string]ValidatorFunc),
	}
	if strict {
		for name, fn := range strictValidators {
			r.validators[name] = fn
		}
	}
	return r
}

// Strict reports whether strict mode is on.
func (r *Registry) Strict() bool { return r.strict }

// Validator returns the validator for a command name, or nil.
func (r *Registry) Validator(name string) ValidatorFunc {
	return r.validators[name]
}

// ValidateCommand checks a full command line. The command is split at
// pipes and logical operators and each segment is checked against the
// deny-list and any registered validator.
func (r *Registry) ValidateCommand(command string) Result {
	for _, segment := range SplitSegments(command) {
		tokens, err := tokenize(segment)
		if err != nil || len(tokens) == 0 {
			return Deny("could not parse command")
		}
		name := tokens[0]
		if _, blocked := denyList[name]; blocked {
			return Deny(fmt.Sprintf("command %q is on the deny list", name))
		}
		if fn := r.validators[name]; fn != nil {
			if res := fn(strings.TrimSpace(segment)); !res.Valid {
				return res
			}
		}
	}
	return Allow()
}
