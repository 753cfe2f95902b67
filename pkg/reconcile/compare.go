package reconcile

import (
	"github.com/go-go-golems/panelfeed/pkg/panel"
)

// Comparator orders records: negative when a sorts before b, zero for a tie.
type Comparator func(a, b panel.Record) int

// ByCreatedDesc puts the most recent record first.
func ByCreatedDesc(a, b panel.Record) int {
	return b.CreatedAt.Compare(a.CreatedAt)
}

func ByCreatedAsc(a, b panel.Record) int {
	return a.CreatedAt.Compare(b.CreatedAt)
}

// UnansweredFirst puts unanswered questions ahead of answered ones, then defers to then.
func UnansweredFirst(then Comparator) Comparator {
	if then == nil {
		then = ByCreatedDesc
	}
	return func(a, b panel.Record) int {
		if a.Answered != b.Answered {
			if !a.Answered {
				return -1
			}
			return 1
		}
		return then(a, b)
	}
}

// ComparatorByName resolves the orderings a viewer can ask for.
func ComparatorByName(name string) (Comparator, bool) {
	switch name {
	case "", "newest":
		return ByCreatedDesc, true
	case "oldest":
		return ByCreatedAsc, true
	case "unanswered":
		return UnansweredFirst(ByCreatedDesc), true
	}
	return nil, false
}
