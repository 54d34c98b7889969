package bus

import "strings"

// Markers is the lexical classification of one message's content.
type Markers struct {
	Completed bool
	Blocked   bool
}

// Classifier decides whether content signals completed or blocked work.
// The default is keyword matching; callers can swap in something smarter
// without touching the state machinery.
type Classifier interface {
	Classify(content string) Markers
}

type keywordClassifier struct {
	completion []string
	blocking   []string
}

// NewKeywordClassifier returns the default lexical classifier.
func NewKeywordClassifier() Classifier {
	return &keywordClassifier{
		completion: []string{"completed", "finished", "done", "implemented", "ready"},
		blocking:   []string{"blocked", "cannot", "error", "failed", "issue"},
	}
}

func (c *keywordClassifier) Classify(content string) Markers {
	lower := strings.ToLower(content)
	markers := Markers{}
	for _, keyword := range c.completion {
		if strings.Contains(lower, keyword) {
			markers.Completed = true
			break
		}
	}
	for _, keyword := range c.blocking {
		if strings.Contains(lower, keyword) {
			markers.Blocked = true
			break
		}
	}
	return markers
}
