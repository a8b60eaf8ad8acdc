// ABOUTME: Static risk classification for node-requested commands
// ABOUTME: Ordered regex pattern sets map a command line to critical/high/medium/low

package node

import (
	"regexp"
	"strings"
)

// Risk levels, most severe first.
const (
	RiskCritical = "critical"
	RiskHigh     = "high"
	RiskMedium   = "medium"
	RiskLow      = "low"
)

// riskPatterns are checked in severity order against the lowercased
// command line; the first matching set wins.
var riskPatterns = []struct {
	level    string
	patterns []*regexp.Regexp
}{
	{RiskCritical, compilePatterns(
		// Root itself only; rm -rf of a deeper path is high, not critical.
		`rm\s+-rf\s+/+(\s|$)`,
		`mkfs\.`,
		`dd\s+if=.*of=/dev`,
		`:\(\)\s*\{\s*:\|:\s*&\s*\}`, // fork bomb
		`curl.*\|.*sh`,
		`wget.*\|.*sh`,
	)},
	{RiskHigh, compilePatterns(
		`sudo\s+`,
		`rm\s+-rf`,
		`chmod\s+-r\b`,
		`chown\s+-r\b`,
		`docker\s+run\s+--privileged`,
		`kubectl\s+(delete|apply)`,
	)},
	{RiskMedium, compilePatterns(
		`git\s+(push|force)`,
		`scp\s+`,
		`rsync\s+.*--delete`,
		`docker\s+(build|run)`,
	)},
}

func compilePatterns(exprs ...string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		patterns[i] = regexp.MustCompile(expr)
	}
	return patterns
}

// ClassifyRisk assigns a risk level to a command and its arguments by
// static pattern inspection. Anything that matches no pattern is low.
func ClassifyRisk(command, args string) string {
	full := strings.ToLower(strings.TrimSpace(command + " " + args))

	for _, set := range riskPatterns {
		for _, pattern := range set.patterns {
			if pattern.MatchString(full) {
				return set.level
			}
		}
	}
	return RiskLow
}
