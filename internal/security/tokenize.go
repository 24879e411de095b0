package security

import (
	"fmt"
	"strings"
)

// tokenize splits a command string into shell-style tokens, honoring
// single quotes, double quotes, and backslash escapes outside single
// quotes. It returns an error on an unterminated quote.
func tokenize(command string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false

	const (
		stateNone = iota
		stateSingle
		stateDouble
	)
	state := stateNone
	escaped := false

	for _, r := range command {
		switch {
		case escaped:
			cur.WriteRune(r)
			inToken = true
			escaped = false
		case state == stateSingle:
			if r == '\'' {
				state = stateNone
			} else {
				cur.WriteRune(r)
			}
		case r == '\\':
			escaped = true
			inToken = true
		case state == stateDouble:
			if r == '"' {
				state = stateNone
			} else {
				cur.WriteRune(r)
			}
		case r == '\'':
			state = stateSingle
			inToken = true
		case r == '"':
			state = stateDouble
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if escaped || state != stateNone {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

// SplitSegments splits a command at pipe and logical operators, returning
// the individual command segments for per-command validation.
func SplitSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", ";", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen > 0 {
			if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
				segments = append(segments, seg)
			}
			current = current[minIdx+matchLen:]
		} else {
			if seg := strings.TrimSpace(current); seg != "" {
				segments = append(segments, seg)
			}
			break
		}
	}
	return segments
}
