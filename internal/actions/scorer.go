package actions

import (
	"context"
	"sort"
	"strings"
)

// Candidate is the scorer's input.
type Candidate struct {
	Name     string
	FileName string
	Resume   []byte
}

// Verdict is the scorer's output.
type Verdict struct {
	Score   int // 0-100
	Summary string
}

// Scorer rates a candidate's fit for contract maintenance work. The
// production deployment plugs an external scoring service in here; the
// built-in keyword scorer keeps the pipeline functional without one.
type Scorer interface {
	Score(ctx context.Context, candidate Candidate) (*Verdict, error)
}

// KeywordScorer rates resumes on aviation-maintenance signal terms. It is
// deliberately crude: its job is triage ordering, not hiring decisions.
type KeywordScorer struct {
	terms map[string]int
}

func NewKeywordScorer() *KeywordScorer {
	return &KeywordScorer{terms: map[string]int{
		"a&p":                      25,
		"airframe":                 15,
		"powerplant":               15,
		"inspection authorization": 20,
		"avionics":                 10,
		"gulfstream":               10,
		"cessna":                   5,
		"turbine":                  10,
		"sheet metal":              5,
		"part 145":                 15,
	}}
}

func (s *KeywordScorer) Score(_ context.Context, candidate Candidate) (*Verdict, error) {
	text := strings.ToLower(string(candidate.Resume))

	score := 0
	var hits []string
	for term, weight := range s.terms {
		if strings.Contains(text, term) {
			score += weight
			hits = append(hits, term)
		}
	}
	if score > 100 {
		score = 100
	}

	summary := "No maintenance keywords found"
	if len(hits) > 0 {
		sort.Strings(hits)
		summary = "Matched: " + strings.Join(hits, ", ")
	}
	return &Verdict{Score: score, Summary: summary}, nil
}
