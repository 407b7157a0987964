package analysis

import (
	"strings"
	"text/template"

	"github.com/xkilldash9x/dvrs/internal/vuln"
)

var reportTemplate = template.Must(template.New("report").Parse(
	`As a security expert, analyze the following vulnerability findings and provide a detailed report with specific mitigation strategies. Focus on practical, actionable solutions.

Vulnerability Findings:
{{range $i, $f := .}}{{if $i}}
{{end}}- Name: {{$f.Name}}
  Severity: {{$f.Severity}}
  Description: {{$f.Description}}{{end}}

Please provide a detailed analysis in the following format:

1. SEVERITY OVERVIEW
[Provide a brief overview of the severity levels found]

2. CRITICAL FINDINGS
[List and analyze any critical vulnerabilities]

3. MITIGATION STRATEGIES
[Provide specific, actionable steps for mitigation]

4. SECURITY RECOMMENDATIONS
[List best practices and long-term security improvements]

5. PRIORITIZATION PLAN
[Provide a prioritized list of actions to take]

Please be specific and include technical details where relevant.`))

// BuildPrompt renders the five-section report request for findings, in the order given.
func BuildPrompt(findings []vuln.Finding) string {
	var sb strings.Builder
	// The template has no failure modes once parsed and the builder never errors.
	_ = reportTemplate.Execute(&sb, findings)
	return sb.String()
}
