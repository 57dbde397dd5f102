package broker

import "strings"

const (
	separator = "."

	// 匹配恰好一段
	singleWildcard = "*"

	// 匹配零或多段
	multiWildcard = "#"
)

// Match 判断 topic 是否匹配 pattern
//
//	Match("events.*", "events.login")        // true
//	Match("events.*", "events.login.extra")  // false
//	Match("events.#", "events.login.extra")  // true
//	Match("events.#", "events")              // true
//	Match("*.login", "billing.login")        // true
func Match(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if !HasWildcard(pattern) {
		return false
	}
	return matchSegments(strings.Split(pattern, separator), strings.Split(topic, separator))
}

func matchSegments(pattern, topic []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case multiWildcard:
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			// # 吞掉 0..n 段后尝试匹配剩余部分
			for i := 0; i <= len(topic); i++ {
				if matchSegments(rest, topic[i:]) {
					return true
				}
			}
			return false
		case singleWildcard:
			if len(topic) == 0 {
				return false
			}
		default:
			if len(topic) == 0 || pattern[0] != topic[0] {
				return false
			}
		}
		pattern = pattern[1:]
		topic = topic[1:]
	}
	return len(topic) == 0
}

// HasWildcard pattern 是否包含通配段
func HasWildcard(pattern string) bool {
	for _, seg := range strings.Split(pattern, separator) {
		if seg == singleWildcard || seg == multiWildcard {
			return true
		}
	}
	return false
}

// ValidatePattern 订阅用 pattern：非空、无空段、通配符必须独占一段
func ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return newError(ErrCodeInvalidPattern, "", "pattern must not be empty")
	}
	for _, seg := range strings.Split(pattern, separator) {
		if seg == "" {
			return newError(ErrCodeInvalidPattern, "", "pattern %q has an empty segment", pattern)
		}
		if seg != singleWildcard && seg != multiWildcard &&
			(strings.Contains(seg, singleWildcard) || strings.Contains(seg, multiWildcard)) {
			return newError(ErrCodeInvalidPattern, "", "wildcards in %q must occupy a whole segment", pattern)
		}
	}
	return nil
}
