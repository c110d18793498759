package schema

// Requirement names the columns a rule needs to be computable.
type Requirement struct {
	RuleID  string
	Columns []string
}

// Applicability is the per-dataset decision of which rules can run.
type Applicability struct {
	Applicable map[string]bool     `json:"applicable"`
	Missing    map[string][]string `json:"missing,omitempty"`
}

// Applies reports whether the rule can be evaluated.
func (a Applicability) Applies(ruleID string) bool {
	return a.Applicable[ruleID]
}

// Probe decides applicability from column presence only. A rule applies
// iff every required column is present; absent columns are reported, never
// treated as errors.
func Probe(columns []string, reqs []Requirement) Applicability {
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}

	a := Applicability{
		Applicable: make(map[string]bool, len(reqs)),
		Missing:    make(map[string][]string),
	}
	for _, req := range reqs {
		var missing []string
		for _, c := range req.Columns {
			if !present[c] {
				missing = append(missing, c)
			}
		}
		a.Applicable[req.RuleID] = len(missing) == 0
		if len(missing) > 0 {
			a.Missing[req.RuleID] = missing
		}
	}
	return a
}
