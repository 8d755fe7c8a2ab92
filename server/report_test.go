package server

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/auditia/framework"
)

func TestRenderReportMarkdown(t *testing.T) {
	report := &framework.Report{
		ClientID:           "client1",
		SessionID:          "sess1",
		Timestamp:          framework.Timestamp{Time: time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)},
		Summary:            "Descuadre en caja",
		SeniorAnalysis:     "Diferencia de 1.200",
		SupervisorAnalysis: "Confirmado",
		ManagerAnalysis:    "Aprobado con observaciones",
		DocumentsAnalyzed:  []string{"balance.xlsx", "mayor.pdf"},
		AuditResult:        "completed",
	}
	var b strings.Builder
	require.NoError(t, RenderReportMarkdown(&b, report))
	out := b.String()
	assert.Contains(t, out, "# Informe de Auditoría")
	assert.Contains(t, out, "Fecha: 09/03/2024 14:05:00")
	assert.Contains(t, out, "- balance.xlsx\n- mayor.pdf")
	assert.Contains(t, out, "**completed**")
	assert.NotContains(t, out, "Ninguno")

	report.DocumentsAnalyzed = nil
	b.Reset()
	require.NoError(t, RenderReportMarkdown(&b, report))
	assert.Contains(t, b.String(), "- Ninguno")
}
