package server

import (
	"html/template"
	"io"
	texttemplate "text/template"

	"github.com/lexcodex/auditia/framework"
)

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Informe de Auditoría - Cliente: {{.ClientID}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 40px; line-height: 1.6; }
h1 { color: #2c3e50; }
h2 { color: #3498db; margin-top: 30px; }
.section { margin: 20px 0; padding: 15px; border: 1px solid #eee; border-radius: 5px; }
.meta { color: #7f8c8d; font-size: 0.9em; }
pre { background: #f8f9fa; padding: 15px; border-radius: 5px; overflow-x: auto; white-space: pre-wrap; }
</style>
</head>
<body>
<h1>Informe de Auditoría</h1>
<div class="meta">
<p>Cliente ID: {{.ClientID}}</p>
<p>Sesión ID: {{.SessionID}}</p>
<p>Fecha: {{.Timestamp.Time.Format "02/01/2006 15:04:05"}}</p>
</div>
<div class="section">
<h2>Resumen Ejecutivo</h2>
<p>{{.Summary}}</p>
</div>
<div class="section">
<h2>Análisis del Senior</h2>
<pre>{{.SeniorAnalysis}}</pre>
</div>
<div class="section">
<h2>Revisión del Supervisor</h2>
<pre>{{.SupervisorAnalysis}}</pre>
</div>
<div class="section">
<h2>Evaluación Final del Manager</h2>
<pre>{{.ManagerAnalysis}}</pre>
</div>
<div class="section">
<h2>Documentos Analizados</h2>
<ul>
{{- range .DocumentsAnalyzed}}
<li>{{.}}</li>
{{- else}}
<li>Ninguno</li>
{{- end}}
</ul>
</div>
<div class="section">
<h2>Conclusión</h2>
<p>Estado de la Auditoría: <strong>{{.AuditResult}}</strong></p>
</div>
<footer>
<p>Este informe fue generado automáticamente por el sistema de Auditoría IA.</p>
</footer>
</body>
</html>
`))

// RenderReport writes report as an HTML page. Analysis text is escaped.
func RenderReport(w io.Writer, report *framework.Report) error {
	return reportTemplate.Execute(w, report)
}

var markdownTemplate = texttemplate.Must(texttemplate.New("report.md").Parse(`# Informe de Auditoría

- Cliente ID: {{.ClientID}}
- Sesión ID: {{.SessionID}}
- Fecha: {{.Timestamp.Time.Format "02/01/2006 15:04:05"}}

## Resumen Ejecutivo

{{.Summary}}

## Análisis del Senior

{{.SeniorAnalysis}}

## Revisión del Supervisor

{{.SupervisorAnalysis}}

## Evaluación Final del Manager

{{.ManagerAnalysis}}

## Documentos Analizados
{{range .DocumentsAnalyzed}}
- {{.}}
{{- else}}
- Ninguno
{{- end}}

## Conclusión

Estado de la Auditoría: **{{.AuditResult}}**
`))

// RenderReportMarkdown writes report as Markdown for terminal rendering.
func RenderReportMarkdown(w io.Writer, report *framework.Report) error {
	return markdownTemplate.Execute(w, report)
}
