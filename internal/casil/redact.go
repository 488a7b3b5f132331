package casil

import "regexp"

// redactPaths masks the values of exact keys anywhere in the payload
// tree. Returns true when at least one value was masked.
func redactPaths(payload map[string]interface{}, paths []string) bool {
	if len(paths) == 0 || payload == nil {
		return false
	}
	masked := map[string]bool{}
	for _, p := range paths {
		masked[p] = true
	}
	return redactTree(payload, masked)
}

func redactTree(node map[string]interface{}, masked map[string]bool) bool {
	changed := false
	for key, value := range node {
		if masked[key] {
			node[key] = RedactToken
			changed = true
			continue
		}
		switch child := value.(type) {
		case map[string]interface{}:
			if redactTree(child, masked) {
				changed = true
			}
		case []interface{}:
			for _, item := range child {
				if m, ok := item.(map[string]interface{}); ok && redactTree(m, masked) {
					changed = true
				}
			}
		}
	}
	return changed
}

// redactPatterns masks substrings matching any compiled pattern inside
// string values. Returns true when at least one value changed.
func redactPatterns(payload map[string]interface{}, patterns []*regexp.Regexp) bool {
	if len(patterns) == 0 || payload == nil {
		return false
	}
	return redactPatternTree(payload, patterns)
}

func redactPatternTree(node map[string]interface{}, patterns []*regexp.Regexp) bool {
	changed := false
	for key, value := range node {
		switch v := value.(type) {
		case string:
			out := v
			for _, re := range patterns {
				out = re.ReplaceAllString(out, RedactToken)
			}
			if out != v {
				node[key] = out
				changed = true
			}
		case map[string]interface{}:
			if redactPatternTree(v, patterns) {
				changed = true
			}
		case []interface{}:
			for i, item := range v {
				switch it := item.(type) {
				case string:
					out := it
					for _, re := range patterns {
						out = re.ReplaceAllString(out, RedactToken)
					}
					if out != it {
						v[i] = out
						changed = true
					}
				case map[string]interface{}:
					if redactPatternTree(it, patterns) {
						changed = true
					}
				}
			}
		}
	}
	return changed
}

// anyStringMatches walks the payload tree and reports whether any
// string value or key matches one of the patterns.
func anyStringMatches(node map[string]interface{}, patterns []*regexp.Regexp) bool {
	for key, value := range node {
		for _, re := range patterns {
			if re.MatchString(key) {
				return true
			}
		}
		switch v := value.(type) {
		case string:
			for _, re := range patterns {
				if re.MatchString(v) {
					return true
				}
			}
		case map[string]interface{}:
			if anyStringMatches(v, patterns) {
				return true
			}
		case []interface{}:
			for _, item := range v {
				switch it := item.(type) {
				case string:
					for _, re := range patterns {
						if re.MatchString(it) {
							return true
						}
					}
				case map[string]interface{}:
					if anyStringMatches(it, patterns) {
						return true
					}
				}
			}
		}
	}
	return false
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			continue // rejected earlier by Config.Validate
		}
		out = append(out, re)
	}
	return out
}
