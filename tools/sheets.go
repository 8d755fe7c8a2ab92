package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/persistence"
)

// The sheet tools do not reach Google Sheets. They validate the URL and serve
// a fixed trial balance so tier agents can exercise verification flows.

var (
	sheetURLPattern = regexp.MustCompile(`^https://docs\.google\.com/spreadsheets/d/`)
	sheetIDPattern  = regexp.MustCompile(`/d/([a-zA-Z0-9\-_]+)`)
)

var (
	errInvalidSheetURL = errors.New("URL de Google Sheets no válida.")
	errSheetID         = errors.New("No se pudo extraer el ID del documento del URL.")
)

const balanceTolerance = 0.01

var sampleSheetHeader = []string{"Cuenta", "Debe", "Haber", "Saldo"}

var sampleSheetRows = [][]string{
	{"1000 - Caja", "10000.00", "2000.00", "8000.00"},
	{"1100 - Bancos", "15000.00", "5000.00", "10000.00"},
	{"1200 - Cuentas por Cobrar", "8000.00", "3000.00", "5000.00"},
	{"1300 - Inventario", "12000.00", "0.00", "12000.00"},
	{"2000 - Cuentas por Pagar", "0.00", "7000.00", "-7000.00"},
	{"2100 - Préstamos", "0.00", "20000.00", "-20000.00"},
	{"3000 - Capital", "0.00", "8000.00", "-8000.00"},
	{"Total", "45000.00", "45000.00", "0.00"},
}

// Fixed totals the balance equation check reports.
const (
	sampleAssets      = 35000.00
	sampleLiabilities = 27000.00
	sampleEquity      = 8000.00
)

func sheetID(url string) (string, error) {
	if !sheetURLPattern.MatchString(url) {
		return "", errInvalidSheetURL
	}
	m := sheetIDPattern.FindStringSubmatch(url)
	if m == nil {
		return "", errSheetID
	}
	return m[1], nil
}

// traceSheetAccess appends a sheet operation to the action log when one is
// configured.
func traceSheetAccess(ctx context.Context, log persistence.ActionLog, action string, details map[string]interface{}) {
	if log == nil {
		return
	}
	entry := persistence.AgentAction{
		AgentName: framework.AgentFrom(ctx),
		Action:    action,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	if ref, ok := framework.CaseFrom(ctx); ok {
		entry.ClientID = ref.ClientID
		entry.SessionID = ref.SessionID
		entry.TaskID = ref.Key()
	}
	_, _ = log.Append(ctx, entry)
}

// GetSheetDataTool returns the sample balance for a valid sheet URL.
type GetSheetDataTool struct {
	Actions persistence.ActionLog
}

func (t *GetSheetDataTool) Name() string { return "get_sheet_data" }
func (t *GetSheetDataTool) Description() string {
	return "Obtiene datos de una hoja de cálculo de Google Sheets."
}
func (t *GetSheetDataTool) Category() string { return "sheets" }
func (t *GetSheetDataTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "sheet_url", Type: "string", Required: true},
		{Name: "range", Type: "string", Description: "Rango de celdas, por ejemplo A1:D10."},
	}
}

func (t *GetSheetDataTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	id, err := sheetID(framework.ArgString(args, "sheet_url"))
	if err != nil {
		return failure(err.Error()), nil
	}
	traceSheetAccess(ctx, t.Actions, "sheet_read", map[string]interface{}{
		"sheet_id": id,
		"range":    framework.ArgString(args, "range"),
	})
	return success(map[string]interface{}{
		"status":   "success",
		"sheet_id": id,
		"data":     sampleSheet(),
	}), nil
}

func (t *GetSheetDataTool) IsAvailable(ctx context.Context) bool { return true }

func sampleSheet() map[string]interface{} {
	rows := make([][]string, len(sampleSheetRows))
	for i, row := range sampleSheetRows {
		rows[i] = append([]string(nil), row...)
	}
	return map[string]interface{}{
		"header": append([]string(nil), sampleSheetHeader...),
		"rows":   rows,
	}
}

// VerifySheetTotalsTool checks that column sums match the totals row.
type VerifySheetTotalsTool struct {
	Actions persistence.ActionLog
}

func (t *VerifySheetTotalsTool) Name() string { return "verify_sheet_totals" }
func (t *VerifySheetTotalsTool) Description() string {
	return "Verifica que los totales de las columnas coincidan con la fila de totales."
}
func (t *VerifySheetTotalsTool) Category() string { return "sheets" }
func (t *VerifySheetTotalsTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "sheet_url", Type: "string", Required: true},
		{Name: "column_indices", Type: "array", Items: "integer", Required: true, Description: "Columnas a verificar, 0 es la primera."},
		{Name: "expected_total_row_index", Type: "integer", Default: -1, Description: "Fila de totales, -1 para la última."},
	}
}

func (t *VerifySheetTotalsTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	id, err := sheetID(framework.ArgString(args, "sheet_url"))
	if err != nil {
		return failure(err.Error()), nil
	}
	var columns []int
	for _, raw := range framework.ArgStrings(args, "column_indices") {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			return failure(fmt.Sprintf("Índice de columna no válido: %s", raw)), nil
		}
		columns = append(columns, idx)
	}
	traceSheetAccess(ctx, t.Actions, "verify_totals", map[string]interface{}{"sheet_id": id, "columns": columns})
	results, allVerified := verifyTotals(sampleSheetRows, columns, framework.ArgInt(args, "expected_total_row_index", -1))
	return success(map[string]interface{}{
		"status":         "success",
		"column_results": results,
		"all_verified":   allVerified,
	}), nil
}

func (t *VerifySheetTotalsTool) IsAvailable(ctx context.Context) bool { return true }

func verifyTotals(rows [][]string, columns []int, totalRow int) (map[string]interface{}, bool) {
	if totalRow < 0 || totalRow >= len(rows) {
		totalRow = len(rows) - 1
	}
	results := make(map[string]interface{}, len(columns))
	allVerified := len(columns) > 0
	for _, col := range columns {
		key := strconv.Itoa(col)
		if col < 0 || col >= len(rows[0]) {
			results[key] = map[string]interface{}{
				"status":        "error",
				"error_message": fmt.Sprintf("El índice de columna %d está fuera de rango.", col),
			}
			allVerified = false
			continue
		}
		var calculated float64
		for i, row := range rows {
			if i == totalRow {
				continue
			}
			if v, err := strconv.ParseFloat(row[col], 64); err == nil {
				calculated += v
			}
		}
		expected, err := strconv.ParseFloat(rows[totalRow][col], 64)
		if err != nil {
			results[key] = map[string]interface{}{
				"status":        "error",
				"error_message": fmt.Sprintf("El valor total esperado no es numérico: %s", rows[totalRow][col]),
			}
			allVerified = false
			continue
		}
		if math.Abs(calculated-expected) < balanceTolerance {
			results[key] = map[string]interface{}{
				"status":           "success",
				"calculated_total": calculated,
				"expected_total":   expected,
				"verified":         true,
			}
			continue
		}
		allVerified = false
		results[key] = map[string]interface{}{
			"status":           "discrepancy",
			"calculated_total": calculated,
			"expected_total":   expected,
			"difference":       calculated - expected,
			"verified":         false,
		}
	}
	return results, allVerified
}

// VerifyBalanceEquationTool checks Activo = Pasivo + Patrimonio.
type VerifyBalanceEquationTool struct {
	Actions persistence.ActionLog
}

func (t *VerifyBalanceEquationTool) Name() string { return "verify_balance_equation" }
func (t *VerifyBalanceEquationTool) Description() string {
	return "Verifica la ecuación contable: Activo = Pasivo + Patrimonio."
}
func (t *VerifyBalanceEquationTool) Category() string { return "sheets" }
func (t *VerifyBalanceEquationTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "sheet_url", Type: "string", Required: true},
		{Name: "assets_total_cell", Type: "string"},
		{Name: "liabilities_total_cell", Type: "string"},
		{Name: "equity_total_cell", Type: "string"},
	}
}

func (t *VerifyBalanceEquationTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	url := framework.ArgString(args, "sheet_url")
	traceSheetAccess(ctx, t.Actions, "verify_balance_equation", map[string]interface{}{"sheet_url": url})
	right := sampleLiabilities + sampleEquity
	return success(map[string]interface{}{
		"status":            "success",
		"assets_total":      sampleAssets,
		"liabilities_total": sampleLiabilities,
		"equity_total":      sampleEquity,
		"right_side_total":  right,
		"difference":        sampleAssets - right,
		"equation_balanced": math.Abs(sampleAssets-right) < balanceTolerance,
	}), nil
}

func (t *VerifyBalanceEquationTool) IsAvailable(ctx context.Context) bool { return true }

// WriteAuditCommentsTool records reviewer comments against sheet cells.
type WriteAuditCommentsTool struct {
	Actions persistence.ActionLog
}

func (t *WriteAuditCommentsTool) Name() string { return "write_audit_comments" }
func (t *WriteAuditCommentsTool) Description() string {
	return "Escribe comentarios de auditoría en celdas específicas de la hoja de cálculo."
}
func (t *WriteAuditCommentsTool) Category() string { return "sheets" }
func (t *WriteAuditCommentsTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "sheet_url", Type: "string", Required: true},
		{Name: "comments", Type: "object", Required: true, Description: "Celda como clave y comentario como valor."},
	}
}

func (t *WriteAuditCommentsTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	id, err := sheetID(framework.ArgString(args, "sheet_url"))
	if err != nil {
		return failure(err.Error()), nil
	}
	comments := argMap(args, "comments")
	cells := make([]string, 0, len(comments))
	for cell := range comments {
		cells = append(cells, cell)
	}
	sort.Strings(cells)
	for _, cell := range cells {
		traceSheetAccess(ctx, t.Actions, "write_comment", map[string]interface{}{
			"sheet_id": id,
			"cell":     cell,
			"comment":  fmt.Sprint(comments[cell]),
		})
	}
	return success(map[string]interface{}{
		"status":           "success",
		"sheet_id":         id,
		"comments_written": len(cells),
		"cells_updated":    cells,
	}), nil
}

func (t *WriteAuditCommentsTool) IsAvailable(ctx context.Context) bool { return true }
