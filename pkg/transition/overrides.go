package transition

import (
	"fmt"
	"strings"

	"github.com/cuemby/integrity/pkg/types"
)

type override struct {
	state     types.CompositeState
	violation bool
}

// overrideEntries pins the outcome of role changes requested while a resource
// reports itself enabled but still carries availability reasons. Such a
// resource is treated as disabled: it can never be promoted and demotes to
// cold standby.
//
// No recorded oracle backs these entries. Each one is what the general rules
// produce once Operational is re-derived from Availability, so they are the
// only transitions that rewrite Operational on a non-canonical record. Every
// other action leaves it as stored (see TestApply_NonCanonicalWithoutOverride).
var overrideEntries = map[string]string{
	"unlocked,enabled,failed,null,promote":                        "unlocked,disabled,failed,coldstandby,StandbyStatusException",
	"unlocked,enabled,failed,null,demote":                         "unlocked,disabled,failed,coldstandby,NoException",
	"unlocked,enabled,failed,hotstandby,promote":                  "unlocked,disabled,failed,coldstandby,StandbyStatusException",
	"unlocked,enabled,failed,hotstandby,demote":                   "unlocked,disabled,failed,coldstandby,NoException",
	"unlocked,enabled,failed,coldstandby,promote":                 "unlocked,disabled,failed,coldstandby,StandbyStatusException",
	"unlocked,enabled,failed,coldstandby,demote":                  "unlocked,disabled,failed,coldstandby,NoException",
	"unlocked,enabled,failed,providingservice,promote":            "unlocked,disabled,failed,coldstandby,StandbyStatusException",
	"unlocked,enabled,failed,providingservice,demote":             "unlocked,disabled,failed,coldstandby,NoException",
	"unlocked,enabled,dependency,null,promote":                    "unlocked,disabled,dependency,coldstandby,StandbyStatusException",
	"unlocked,enabled,dependency,null,demote":                     "unlocked,disabled,dependency,coldstandby,NoException",
	"unlocked,enabled,dependency,hotstandby,promote":              "unlocked,disabled,dependency,coldstandby,StandbyStatusException",
	"unlocked,enabled,dependency,hotstandby,demote":               "unlocked,disabled,dependency,coldstandby,NoException",
	"unlocked,enabled,dependency,coldstandby,promote":             "unlocked,disabled,dependency,coldstandby,StandbyStatusException",
	"unlocked,enabled,dependency,coldstandby,demote":              "unlocked,disabled,dependency,coldstandby,NoException",
	"unlocked,enabled,dependency,providingservice,promote":        "unlocked,disabled,dependency,coldstandby,StandbyStatusException",
	"unlocked,enabled,dependency,providingservice,demote":         "unlocked,disabled,dependency,coldstandby,NoException",
	"unlocked,enabled,dependency,failed,null,promote":             "unlocked,disabled,dependency,failed,coldstandby,StandbyStatusException",
	"unlocked,enabled,dependency,failed,null,demote":              "unlocked,disabled,dependency,failed,coldstandby,NoException",
	"unlocked,enabled,dependency,failed,hotstandby,promote":       "unlocked,disabled,dependency,failed,coldstandby,StandbyStatusException",
	"unlocked,enabled,dependency,failed,hotstandby,demote":        "unlocked,disabled,dependency,failed,coldstandby,NoException",
	"unlocked,enabled,dependency,failed,coldstandby,promote":      "unlocked,disabled,dependency,failed,coldstandby,StandbyStatusException",
	"unlocked,enabled,dependency,failed,coldstandby,demote":       "unlocked,disabled,dependency,failed,coldstandby,NoException",
	"unlocked,enabled,dependency,failed,providingservice,promote": "unlocked,disabled,dependency,failed,coldstandby,StandbyStatusException",
	"unlocked,enabled,dependency,failed,providingservice,demote":  "unlocked,disabled,dependency,failed,coldstandby,NoException",
}

var overrides = mustParseOverrides(overrideEntries)

func overrideKey(state types.CompositeState, action types.Action) string {
	return state.String() + "," + string(action)
}

func mustParseOverrides(entries map[string]string) map[string]override {
	parsed := make(map[string]override, len(entries))
	for key, value := range entries {
		cut := strings.LastIndex(value, ",")
		outcome := value[cut+1:]
		state, err := types.ParseCompositeState(value[:cut])
		if err != nil {
			panic(fmt.Sprintf("transition: bad override %q: %v", key, err))
		}
		var violation bool
		switch outcome {
		case "StandbyStatusException":
			violation = true
		case "NoException":
		default:
			panic(fmt.Sprintf("transition: bad override outcome %q for %q", outcome, key))
		}
		parsed[key] = override{state: state, violation: violation}
	}
	return parsed
}

