package inbox

import (
	"regexp"

	"github.com/attendance-mail/attendance/internal/attendance"
	"github.com/attendance-mail/attendance/internal/logger"
)

// ClassificationResult is the category, subtype and confidence of one email
type ClassificationResult struct {
	Category   attendance.Category
	Subtype    attendance.Subtype // SubtypeNone unless Category is attendance
	Confidence float64
}

func (r ClassificationResult) String() string {
	if r.Subtype != attendance.SubtypeNone {
		return string(r.Category) + " - " + string(r.Subtype)
	}
	return string(r.Category)
}

// subtypeGroup is one ordered vocabulary; the first group with a hit wins
type subtypeGroup struct {
	subtype  attendance.Subtype
	patterns []*regexp.Regexp
}

// Subject markers
var (
	vacationMarker   = regexp.MustCompile(`\[휴가신고\]`)
	attendanceMarker = regexp.MustCompile(`\[근태공유\]`)
)

var (
	// Tested in this order: late arrival, outing, early leave
	subtypeGroups = []subtypeGroup{
		{
			subtype: attendance.SubtypeLateArrival,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)출근\s*지연`),
				regexp.MustCompile(`(?i)지각`),
				regexp.MustCompile(`(?i)늦은\s*출근`),
				regexp.MustCompile(`(?i)출근지연`),
			},
		},
		{
			subtype: attendance.SubtypeOuting,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)외출`),
				regexp.MustCompile(`(?i)외근`),
				regexp.MustCompile(`(?i)자리\s*비움`),
			},
		},
		{
			subtype: attendance.SubtypeEarlyLeave,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)조기\s*퇴근`),
				regexp.MustCompile(`(?i)조퇴`),
				regexp.MustCompile(`(?i)일찍\s*퇴근`),
				regexp.MustCompile(`(?i)조기퇴근`),
			},
		},
	}

	// On-call rest and all-night shifts are reported under the attendance
	// marker but are not counted.
	excludedPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)당직\s*휴식`),
		regexp.MustCompile(`(?i)당직휴식`),
		regexp.MustCompile(`(?i)전일\s*야근`),
		regexp.MustCompile(`(?i)전일야근`),
	}
)

// Classify maps an email's subject and body to a category and subtype
func Classify(subject, body string) ClassificationResult {
	if vacationMarker.MatchString(subject) {
		logger.Log.WithField("subject", subject).Debug("classified as vacation")
		return ClassificationResult{
			Category:   attendance.CategoryVacation,
			Confidence: 1.0,
		}
	}

	if !attendanceMarker.MatchString(subject) {
		logger.Log.WithField("subject", subject).Warn("email has no vacation or attendance marker")
		return ClassificationResult{Category: attendance.CategoryUnknown}
	}

	if isExcluded(body) {
		logger.Log.WithField("subject", subject).Debug("excluded attendance type")
		return ClassificationResult{Category: attendance.CategoryUnknown}
	}

	subtype := classifySubtype(body)
	confidence := 0.9
	if subtype == attendance.SubtypeUnknown {
		confidence = 0.5
	}
	logger.Log.WithField("subject", subject).WithField("subtype", subtype).Debug("classified as attendance")

	return ClassificationResult{
		Category:   attendance.CategoryAttendance,
		Subtype:    subtype,
		Confidence: confidence,
	}
}

// IsTargetEmail reports whether the subject carries either marker
func IsTargetEmail(subject string) bool {
	return vacationMarker.MatchString(subject) || attendanceMarker.MatchString(subject)
}

// TargetSubjectMarkers are the literal markers IsTargetEmail looks for, for
// collaborators that filter on substrings.
var TargetSubjectMarkers = []string{"[휴가신고]", "[근태공유]"}

func isExcluded(body string) bool {
	for _, pattern := range excludedPatterns {
		if pattern.MatchString(body) {
			return true
		}
	}
	return false
}

func classifySubtype(body string) attendance.Subtype {
	for _, group := range subtypeGroups {
		for _, pattern := range group.patterns {
			if pattern.MatchString(body) {
				return group.subtype
			}
		}
	}
	return attendance.SubtypeUnknown
}
