package grading

import (
	"regexp"
	"strconv"
	"strings"
)

// UnparsableScore is assigned when a reply carries no score.
const UnparsableScore = 5

var (
	// Markers may be wrapped in markdown emphasis: **Score:** 8/10.
	scoreRegex    = regexp.MustCompile(`(?i)\b(?:score|xal)[\s*_:=]*(-?\d+)(?:\s*/\s*10)?`)
	feedbackRegex = regexp.MustCompile(`(?is)(?:feedback|rəy)[\s*_]*:[\s*_]*(.+)`)
)

// Reply is the parsed form of an oracle reply.
type Reply struct {
	Score    int
	Feedback string
	// Parsed is false when no score was found and Score is UnparsableScore.
	Parsed bool
}

// ParseReply extracts the 0-10 score and the feedback from raw oracle text.
// A score outside the range is clamped. Without a score the reply is
// unparsable: Score is UnparsableScore and Feedback is the untouched text.
func ParseReply(raw string) Reply {
	m := scoreRegex.FindStringSubmatch(raw)
	if m == nil {
		return Reply{Score: UnparsableScore, Feedback: raw}
	}
	score, err := strconv.Atoi(m[1])
	if err != nil {
		// Too many digits to fit an int.
		score = 10
		if strings.HasPrefix(m[1], "-") {
			score = 0
		}
	}

	feedback := strings.TrimSpace(raw)
	if fm := feedbackRegex.FindStringSubmatch(raw); fm != nil {
		feedback = strings.TrimSpace(fm[1])
	}
	return Reply{Score: clamp(score, 0, 10), Feedback: feedback, Parsed: true}
}

// Points scales a 0-10 score to the question weight, rounding down.
func Points(score, maxPoints int) int {
	return clamp(score, 0, 10) * maxPoints / 10
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
