package core

// Database is a rule database document: rulesets partitioned by program.
type Database struct {
	Version     int               `yaml:"version,omitempty" json:"version,omitempty"`
	PubDate     string            `yaml:"pub_date,omitempty" json:"pub_date,omitempty"`
	ClassLevels map[string]string `yaml:"class_levels,omitempty" json:"class_levels,omitempty"`
	Rulesets    []Ruleset         `yaml:"rulesets" json:"rulesets" validate:"required,min=1,dive"`
}

// Ruleset groups rules that apply to the same programs. A ruleset without
// programs applies to records whose program has no dedicated ruleset.
type Ruleset struct {
	ID       string   `yaml:"id,omitempty" json:"id,omitempty"`
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Programs []string `yaml:"programs,omitempty" json:"programs,omitempty"`
	Rules    []Rule   `yaml:"rules" json:"rules" validate:"required,min=1,dive"`
}

// RuleCount returns the number of rules across all rulesets.
func (db *Database) RuleCount() int {
	n := 0
	for i := range db.Rulesets {
		n += len(db.Rulesets[i].Rules)
	}
	return n
}
