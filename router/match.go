package router

import "strings"

const separator = "."

// MatchTopic reports whether topic matches pattern. "*" (or "+") matches one
// segment and "#" matches any number of segments, anywhere in the pattern.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic || pattern == "#" {
		return true
	}
	pp := strings.Split(pattern, separator)
	tp := strings.Split(topic, separator)

	// prev[j] reports whether the pattern consumed so far matches tp[:j]
	prev := make([]bool, len(tp)+1)
	next := make([]bool, len(tp)+1)
	prev[0] = true
	for _, seg := range pp {
		next[0] = seg == "#" && prev[0]
		for j := 1; j <= len(tp); j++ {
			switch seg {
			case "#":
				next[j] = prev[j] || next[j-1]
			case "*", "+":
				next[j] = prev[j-1]
			default:
				next[j] = prev[j-1] && seg == tp[j-1]
			}
		}
		prev, next = next, prev
	}
	return prev[len(tp)]
}
