package skill

import "github.com/illegalcall/skillchat/internal/models"

// generalSkill is offered to every category and listed last.
const generalSkill = "clinical-guideline-lookup"

var skillsByFunction = map[models.FunctionCategory][]string{
	models.FunctionLab: {
		"lab-result-interpreter",
		"reference-range-checker",
		"trend-analyzer",
		generalSkill,
	},
	models.FunctionRadiology: {
		"radiology-report-reader",
		"imaging-terminology",
		"finding-summarizer",
		generalSkill,
	},
	models.FunctionMedicalRecord: {
		"record-summarizer",
		"timeline-builder",
		"diagnosis-extractor",
		generalSkill,
	},
	models.FunctionMedication: {
		"drug-interaction-checker",
		"dosage-reference",
		"side-effect-lookup",
		generalSkill,
	},
}

// MaxSkills is how many skills a workload level allows per turn. Professional
// is unbounded and reported as -1.
func MaxSkills(level models.WorkloadLevel) int {
	switch level {
	case models.WorkloadInstant:
		return 0
	case models.WorkloadBasic:
		return 1
	case models.WorkloadStandard:
		return 3
	case models.WorkloadProfessional:
		return -1
	}
	return 0
}

// SuggestSkills lists the skills to request for a function category, capped by
// the workload level. The result is never nil.
func SuggestSkills(function models.FunctionCategory, level models.WorkloadLevel) []string {
	candidates := skillsByFunction[function]
	limit := MaxSkills(level)
	if limit < 0 || limit > len(candidates) {
		limit = len(candidates)
	}

	skills := make([]string, limit)
	copy(skills, candidates[:limit])
	return skills
}
