package pipeline

import "fmt"

// FamilyName identifies a category of artefact sharing one ordered
// pipeline of stages.
type FamilyName string

// Known artefact families.
const (
	FamilySnap  FamilyName = "snap"
	FamilyDeb   FamilyName = "deb"
	FamilyCharm FamilyName = "charm"
	FamilyImage FamilyName = "image"
)

// Families lists all known families in a stable order.
func Families() []FamilyName {
	return []FamilyName{FamilySnap, FamilyDeb, FamilyCharm, FamilyImage}
}

// ParseFamily validates a family name string.
func ParseFamily(s string) (FamilyName, error) {
	f := FamilyName(s)
	switch f {
	case FamilySnap, FamilyDeb, FamilyCharm, FamilyImage:
		return f, nil
	}

	return "", fmt.Errorf("unknown family %q", s)
}

// StageName is one named position in a family's pipeline.
type StageName string

// Known stage names across all families.
const (
	StageEdge      StageName = "edge"
	StageBeta      StageName = "beta"
	StageCandidate StageName = "candidate"
	StageStable    StageName = "stable"
	StageProposed  StageName = "proposed"
	StageUpdates   StageName = "updates"
	StagePending   StageName = "pending"
	StageCurrent   StageName = "current"
)

// Stage is a named, ordered position in a family's pipeline. Positions
// within a family are unique and strictly increasing.
type Stage struct {
	Name     StageName
	Position int
}

// familyStages holds the per-family pipeline topology. Positions are
// spaced by 10 so stages can be inserted without renumbering.
var familyStages = map[FamilyName][]Stage{
	FamilySnap: {
		{StageEdge, 10},
		{StageBeta, 20},
		{StageCandidate, 30},
		{StageStable, 40},
	},
	FamilyCharm: {
		{StageEdge, 10},
		{StageBeta, 20},
		{StageCandidate, 30},
		{StageStable, 40},
	},
	FamilyDeb: {
		{StageProposed, 10},
		{StageUpdates, 20},
	},
	FamilyImage: {
		{StagePending, 10},
		{StageCurrent, 20},
	},
}

// Stages returns the ordered stage sequence of a family.
func Stages(family FamilyName) ([]Stage, error) {
	stages, ok := familyStages[family]
	if !ok {
		return nil, fmt.Errorf("unknown family %q", family)
	}

	return stages, nil
}

// InitialStage returns the first stage of a family's pipeline.
func InitialStage(family FamilyName) (StageName, error) {
	stages, err := Stages(family)
	if err != nil {
		return "", err
	}

	return stages[0].Name, nil
}

// NextStage returns the successor of the given stage within a family.
// The terminal stage is its own successor.
func NextStage(family FamilyName, stage StageName) (StageName, error) {
	stages, err := Stages(family)
	if err != nil {
		return "", err
	}

	for i, s := range stages {
		if s.Name != stage {
			continue
		}

		if i == len(stages)-1 {
			return s.Name, nil
		}

		return stages[i+1].Name, nil
	}

	return "", fmt.Errorf("stage %q does not belong to family %q", stage, family)
}

// IsTerminalStage reports whether stage is the last position of the
// family's pipeline.
func IsTerminalStage(family FamilyName, stage StageName) (bool, error) {
	stages, err := Stages(family)
	if err != nil {
		return false, err
	}

	return stages[len(stages)-1].Name == stage, nil
}

// locationStages maps external location names (snap channel risks,
// archive pockets, image states) to pipeline stages per family. The
// mapping is explicit so external strings never match stages by
// accident.
var locationStages = map[FamilyName]map[string]StageName{
	FamilySnap: {
		"edge":      StageEdge,
		"beta":      StageBeta,
		"candidate": StageCandidate,
		"stable":    StageStable,
	},
	FamilyCharm: {
		"edge":      StageEdge,
		"beta":      StageBeta,
		"candidate": StageCandidate,
		"stable":    StageStable,
	},
	FamilyDeb: {
		"proposed": StageProposed,
		"updates":  StageUpdates,
	},
	FamilyImage: {
		"pending": StagePending,
		"current": StageCurrent,
	},
}

// StageFromLocation translates an external location name into the
// family's stage identity.
func StageFromLocation(family FamilyName, location string) (StageName, error) {
	mapping, ok := locationStages[family]
	if !ok {
		return "", fmt.Errorf("unknown family %q", family)
	}

	stage, ok := mapping[location]
	if !ok {
		return "", fmt.Errorf(
			"location %q is not a known stage of family %q", location, family,
		)
	}

	return stage, nil
}
