package session

// Decision is the hiring recommendation attached to a finished interview.
type Decision string

const (
	DecisionAccept  Decision = "ACCEPT"
	DecisionReject  Decision = "REJECT"
	DecisionPending Decision = "PENDING"
)

// Evaluation is the structured score of a finished interview.
type Evaluation struct {
	TechnicalFit        int      `json:"technical_fit" yaml:"technical_fit"`
	ExperienceRelevance int      `json:"experience_relevance" yaml:"experience_relevance"`
	Communication       int      `json:"communication" yaml:"communication"`
	ProblemSolving      int      `json:"problem_solving" yaml:"problem_solving"`
	CultureFit          int      `json:"culture_fit" yaml:"culture_fit"`
	OverallScore        float64  `json:"overall_score" yaml:"overall_score"`
	Decision            Decision `json:"decision" yaml:"decision"`
	Summary             string   `json:"summary" yaml:"summary"`
	Strengths           []string `json:"strengths" yaml:"strengths"`
	Concerns            []string `json:"areas_of_concern" yaml:"areas_of_concern"`
}

// SubScores returns the five rubric scores in a fixed order.
func (e *Evaluation) SubScores() [5]int {
	return [5]int{e.TechnicalFit, e.ExperienceRelevance, e.Communication, e.ProblemSolving, e.CultureFit}
}

func (e *Evaluation) Clone() *Evaluation {
	out := *e
	out.Strengths = append([]string(nil), e.Strengths...)
	out.Concerns = append([]string(nil), e.Concerns...)
	return &out
}
