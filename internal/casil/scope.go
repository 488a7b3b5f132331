package casil

import "path"

// Target forms tested against scope globs, most specific first:
// "room:channel", then room, then channel.
func scopeTargets(room, channel string) []string {
	targets := make([]string, 0, 3)
	if room != "" && channel != "" {
		targets = append(targets, room+":"+channel)
	}
	if room != "" {
		targets = append(targets, room)
	}
	if channel != "" {
		targets = append(targets, channel)
	}
	return targets
}

// InScope reports whether the (room, channel) pair falls inside the
// configured scope. Exclude wins over include; an empty include list
// means "everything".
func (s Scope) InScope(room, channel string) bool {
	targets := scopeTargets(room, channel)
	if len(targets) == 0 {
		return false
	}
	for _, pattern := range s.Exclude {
		for _, target := range targets {
			if globMatch(pattern, target) {
				return false
			}
		}
	}
	if len(s.Include) == 0 {
		return true
	}
	for _, pattern := range s.Include {
		for _, target := range targets {
			if globMatch(pattern, target) {
				return true
			}
		}
	}
	return false
}

// globMatch treats a trailing `*` as a prefix match; other patterns go
// through full glob matching.
func globMatch(pattern, target string) bool {
	if pattern == "*" {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' && !containsGlobMeta(pattern[:n-1]) {
		prefix := pattern[:n-1]
		return len(target) >= len(prefix) && target[:len(prefix)] == prefix
	}
	ok, err := path.Match(pattern, target)
	return err == nil && ok
}

func containsGlobMeta(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[':
			return true
		}
	}
	return false
}
