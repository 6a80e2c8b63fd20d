package edgeworker

import (
	"github.com/ceedaragents/cyrus-sub002/internal/procedure"
	"github.com/ceedaragents/cyrus-sub002/pkg/trackerapi"
)

// hotfixLabel marks an issue that should skip the scoping step and go
// straight to build and verify.
const hotfixLabel = "hotfix"

// DefaultProcedureSelector picks a procedure from the issue's own labels,
// the classifier-free path spec.md §4.6 step 4 names alongside a richer
// external classifier: an issue labeled "hotfix" runs build/verify only,
// everything else runs the full scope/build/verify baseline. A caller
// wiring a real classifier overrides this by setting Deps.Procedures to
// its own ProcedureSelector instead.
func DefaultProcedureSelector(issue trackerapi.Issue) procedure.Procedure {
	for _, label := range issue.Labels {
		if label == hotfixLabel {
			return hotfixProcedure()
		}
	}
	return DefaultProcedure()
}

// hotfixProcedure is DefaultProcedure with the scope subroutine dropped.
func hotfixProcedure() procedure.Procedure {
	base := DefaultProcedure()
	return procedure.Procedure{
		Name:        "hotfix-build-verify",
		Subroutines: base.Subroutines[1:],
	}
}

// DefaultProcedure is the baseline three-subroutine procedure: scope the
// change, build it, then verify it with a retry loop before completing.
func DefaultProcedure() procedure.Procedure {
	return procedure.Procedure{
		Name: "scope-build-verify",
		Subroutines: []procedure.Subroutine{
			{
				Name:           "scope",
				PromptTemplate: "Investigate {{.IssueIdentifier}} in {{.RepoDisplayName}}.\n\nDescribe the change you plan to make before writing any code.",
			},
			{
				Name:           "build",
				PromptTemplate: "Implement the change you scoped for {{.IssueIdentifier}}.",
			},
			{
				Name:               "verify",
				PromptTemplate:     "Run the test suite for your change to {{.IssueIdentifier}} and report {\"pass\": true|false, \"reason\": \"...\"} as your final answer.",
				UsesValidationLoop: true,
			},
		},
	}
}
