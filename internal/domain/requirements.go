package domain

import "strings"

// SplitRequirements breaks a project's requirements text into individual
// requirement lines. Lines are trimmed and blank lines dropped; the line at
// position i is requirement "R{i+1}" wherever requirement ids appear, so
// planner prompts and coverage reports agree on the numbering.
func SplitRequirements(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
