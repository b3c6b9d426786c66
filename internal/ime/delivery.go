package ime

import (
	"regexp"
	"strings"
)

// DeliveryMode selects how FilterKey talks to the service.
type DeliveryMode int

const (
	// DeliveryAsync issues the key RPC in the background and resolves the
	// event in a completion callback.
	DeliveryAsync DeliveryMode = iota
	// DeliverySync blocks the loop until the service answers.
	DeliverySync
)

func (m DeliveryMode) String() string {
	if m == DeliverySync {
		return "sync"
	}
	return "async"
}

// DeliveryPolicy is the input to ResolveDeliveryMode.
type DeliveryPolicy struct {
	// SyncModeApps is a comma separated list of regular expressions
	// matched against the program name.
	SyncModeApps string
	// EnableSyncMode overrides the app list when non-nil.
	EnableSyncMode *bool
}

// ResolveDeliveryMode picks the delivery mode for program. An explicit
// enable flag wins over the application list.
func ResolveDeliveryMode(program string, p DeliveryPolicy) DeliveryMode {
	if p.EnableSyncMode != nil {
		if *p.EnableSyncMode {
			return DeliverySync
		}
		return DeliveryAsync
	}
	if MatchApp(program, p.SyncModeApps) {
		return DeliverySync
	}
	return DeliveryAsync
}

// MatchApp reports whether any pattern in the comma separated list matches
// program. Patterns are unanchored; empty and invalid ones are skipped.
func MatchApp(program, patterns string) bool {
	for _, pat := range strings.Split(patterns, ",") {
		if pat == "" {
			continue
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			continue
		}
		if re.MatchString(program) {
			return true
		}
	}
	return false
}

// ParseBoolEnv interprets an environment value the way the toolkit
// modules do: "", "0", "false", "False" and "FALSE" are false, anything
// else is true.
func ParseBoolEnv(v string) bool {
	switch v {
	case "", "0", "false", "False", "FALSE":
		return false
	}
	return true
}
