package escalation

import (
	"fmt"
	"strings"

	"github.com/lexcodex/auditia/framework"
)

const (
	noSummary   = "No hay resumen disponible"
	noAnalysis  = "No hay análisis disponible"
	noDocuments = "Ninguno"
)

// Notes appended to the reply when a case moves.
const (
	NoteEscalatedToSupervisor = "[Este caso ha sido escalado al Supervisor para una revisión adicional]"
	NoteEscalatedToManager    = "[Este caso ha sido escalado al Manager para la revisión final]"
	NoteFinalReport           = "[INFORME FINAL GENERADO: Puedes descargarlo desde la sección de informes]"
)

// SeniorSummaryPrefix is prepended to the summary of records created by the
// Senior tier.
const SeniorSummaryPrefix = "Caso escalado por Senior: "

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func documentList(docs []string) string {
	if len(docs) == 0 {
		return noDocuments
	}
	return strings.Join(docs, ", ")
}

// BuildPrompt prefixes message with the context carried by rec. The context
// block quotes the message on its last line and the message follows it again
// after a blank line. The assistant and a nil record get the message unchanged.
func BuildPrompt(tier framework.Tier, rec *framework.Record, message string) string {
	if rec == nil {
		return message
	}
	var b strings.Builder
	switch tier {
	case framework.TierSenior:
		b.WriteString("CASO ESCALADO DEL ASISTENTE:\n")
		fmt.Fprintf(&b, "Resumen: %s\n", orDefault(rec.Summary, noSummary))
		fmt.Fprintf(&b, "Documentos analizados: %s\n", documentList(rec.Documents))
	case framework.TierSupervisor:
		b.WriteString("CASO ESCALADO DEL SENIOR:\n")
		fmt.Fprintf(&b, "Resumen original: %s\n", orDefault(rec.Summary, noSummary))
		fmt.Fprintf(&b, "Análisis del Senior: %s\n", orDefault(rec.SeniorAnalysis, noAnalysis))
		fmt.Fprintf(&b, "Documentos analizados: %s\n", documentList(rec.Documents))
	case framework.TierManager:
		b.WriteString("CASO ESCALADO PARA REVISIÓN FINAL:\n")
		fmt.Fprintf(&b, "Resumen original: %s\n", orDefault(rec.Summary, noSummary))
		fmt.Fprintf(&b, "Análisis del Senior: %s\n", orDefault(rec.SeniorAnalysis, noAnalysis))
		fmt.Fprintf(&b, "Análisis del Supervisor: %s\n", orDefault(rec.SupervisorAnalysis, noAnalysis))
		fmt.Fprintf(&b, "Documentos analizados: %s\n", documentList(rec.Documents))
	default:
		return message
	}
	fmt.Fprintf(&b, "Mensaje actual del cliente: %s\n", message)
	b.WriteString("\n\n")
	b.WriteString(message)
	return b.String()
}

// UploadPrompt is the analysis request sent after a file upload. content is
// expected to be truncated by the caller.
func UploadPrompt(name, ext string, size int64, content string) string {
	return fmt.Sprintf("El cliente ha cargado un archivo: %s (tipo: %s, tamaño: %.1f KB)\n\n"+
		"Por favor, analiza este archivo y proporciona información relevante. Contenido del archivo:\n%s...",
		name, ext, float64(size)/1024, content)
}

// nextRecord derives the record handed to the tier above current.
func nextRecord(current *framework.Record, tier framework.Tier, reply string) *framework.Record {
	next, ok := tier.Next()
	if !ok || current == nil {
		return nil
	}
	rec := framework.NewRecord(current.Case(), next, current.Summary, append([]string(nil), current.Documents...))
	switch tier {
	case framework.TierSenior:
		rec.Summary = SeniorSummaryPrefix + current.Summary
		rec.SeniorAnalysis = reply
	case framework.TierSupervisor:
		rec.SeniorAnalysis = current.SeniorAnalysis
		rec.SupervisorAnalysis = reply
	}
	return rec
}

// finalReport assembles the manager's report from its record and reply.
func finalReport(rec *framework.Record, reply string) *framework.Report {
	return &framework.Report{
		ClientID:           rec.ClientID,
		SessionID:          rec.SessionID,
		Timestamp:          framework.Now(),
		Summary:            rec.Summary,
		SeniorAnalysis:     rec.SeniorAnalysis,
		SupervisorAnalysis: rec.SupervisorAnalysis,
		ManagerAnalysis:    reply,
		DocumentsAnalyzed:  append([]string{}, rec.Documents...),
		AuditResult:        framework.AuditResultCompleted,
	}
}
