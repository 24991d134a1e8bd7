// Package mode decides who may do what. The active mode selects a row of a
// fixed permission matrix; admins satisfy every "admin" rule.
package mode

import (
	"errors"
	"fmt"
)

// Mode is the stream's current rule set.
type Mode string

const (
	DJ        Mode = "dj"
	Radio     Mode = "radio"
	Democracy Mode = "democracy"
	Jukebox   Mode = "jukebox"
	Party     Mode = "party"
)

// Modes lists every valid mode.
var Modes = []Mode{DJ, Radio, Democracy, Jukebox, Party}

// Action is a user operation subject to the matrix.
type Action string

const (
	Skip     Action = "skip"
	Add      Action = "add_to_queue"
	Reorder  Action = "reorder_queue"
	Remove   Action = "remove_from_queue"
	VoteSkip Action = "vote_skip"
)

// Actions lists every action.
var Actions = []Action{Skip, Add, Reorder, Remove, VoteSkip}

// Policy says who may perform an action.
type Policy string

const (
	PolicyAdmin Policy = "admin"
	PolicyAll   Policy = "all"
	PolicyNone  Policy = "none"
)

// ErrInvalidMode is returned for names outside Modes.
var ErrInvalidMode = errors.New("invalid mode")

var matrix = map[Mode]map[Action]Policy{
	DJ: {
		Skip: PolicyAdmin, Add: PolicyAdmin, Reorder: PolicyAdmin, Remove: PolicyAdmin, VoteSkip: PolicyNone,
	},
	Radio: {
		Skip: PolicyAdmin, Add: PolicyAdmin, Reorder: PolicyAdmin, Remove: PolicyAdmin, VoteSkip: PolicyNone,
	},
	Democracy: {
		Skip: PolicyAdmin, Add: PolicyAll, Reorder: PolicyAdmin, Remove: PolicyAdmin, VoteSkip: PolicyAll,
	},
	Jukebox: {
		Skip: PolicyAdmin, Add: PolicyAll, Reorder: PolicyAdmin, Remove: PolicyAdmin, VoteSkip: PolicyNone,
	},
	Party: {
		Skip: PolicyAll, Add: PolicyAll, Reorder: PolicyAdmin, Remove: PolicyAll, VoteSkip: PolicyNone,
	},
}

// PolicyFor returns the rule for (mode, action); unknown pairs are PolicyNone.
func PolicyFor(m Mode, a Action) Policy {
	p, ok := matrix[m][a]
	if !ok {
		return PolicyNone
	}
	return p
}

// CanPerformAction evaluates the matrix. Unknown modes or actions are denied.
func CanPerformAction(m Mode, a Action, isAdmin bool) bool {
	switch PolicyFor(m, a) {
	case PolicyAll:
		return true
	case PolicyAdmin:
		return isAdmin
	default:
		return false
	}
}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if _, ok := matrix[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	return m, nil
}
