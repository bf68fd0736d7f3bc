package notification

type Kind int

const (
	KindUnknown Kind = iota
	KindBonusScoreChanged
	KindTaskCommented
	KindTaskAccepted
	KindTaskRework
	KindTaskReviewedOther
	KindLessonOpened
)

func (k Kind) String() string {
	switch k {
	case KindBonusScoreChanged:
		return "bonus_score_changed"
	case KindTaskCommented:
		return "task_commented"
	case KindTaskAccepted:
		return "task_accepted"
	case KindTaskRework:
		return "task_rework"
	case KindTaskReviewedOther:
		return "task_reviewed_other"
	case KindLessonOpened:
		return "lesson_opened"
	default:
		return "unknown"
	}
}

// Classify maps a raw notification to its Kind. It never fails: unknown
// type tags give KindUnknown and unknown review statuses give
// KindTaskReviewedOther.
func Classify(raw Raw) Kind {
	switch raw.Type {
	case TypeBonusScoreChanged:
		return KindBonusScoreChanged
	case TypeTaskCommented:
		return KindTaskCommented
	case TypeLessonOpened:
		return KindLessonOpened
	case TypeTaskReviewed:
		status, _ := lookupString(raw.ObjectData, "status", "type")
		switch status {
		case StatusAccepted:
			return KindTaskAccepted
		case StatusRework:
			return KindTaskRework
		default:
			return KindTaskReviewedOther
		}
	default:
		return KindUnknown
	}
}
