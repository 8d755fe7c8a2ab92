package tools

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lexcodex/auditia/framework"
)

// DefaultMateriality is the share of total assets an equation mismatch must
// exceed before it is reported.
const DefaultMateriality = 0.01

// DefaultComplianceChecklist lists the controls check_compliance requires.
var DefaultComplianceChecklist = []string{
	"SOX 302 Certification",
	"SOX 404 Testing",
	"IFRS Disclosure Notes",
	"Code of Ethics",
}

// BalanceEntry is one balance sheet line.
type BalanceEntry struct {
	Account string
	Type    string
	Amount  float64
}

// BalanceAudit is the outcome of AuditBalanceSheet.
type BalanceAudit struct {
	Assets       float64
	Liabilities  float64
	Equity       float64
	CurrentRatio *float64
	Findings     []string
}

// AuditBalanceSheet checks the accounting equation and the current ratio.
// Accounts whose name contains "current" or "corriente" count as current.
func AuditBalanceSheet(entries []BalanceEntry, materiality float64) BalanceAudit {
	var out BalanceAudit
	var currentAssets, currentLiabilities float64
	for _, e := range entries {
		name := strings.ToLower(e.Account)
		current := strings.Contains(name, "current") || strings.Contains(name, "corriente")
		switch normalizeAccountType(e.Type) {
		case "asset":
			out.Assets += e.Amount
			if current {
				currentAssets += e.Amount
			}
		case "liability":
			out.Liabilities += e.Amount
			if current {
				currentLiabilities += e.Amount
			}
		case "equity":
			out.Equity += e.Amount
		}
	}
	right := out.Liabilities + out.Equity
	if math.Abs(out.Assets-right) > materiality*math.Max(out.Assets, 1) {
		out.Findings = append(out.Findings, fmt.Sprintf(
			"Descuadre en la ecuación contable: Activo (%.2f) ≠ Pasivo + Patrimonio (%.2f).", out.Assets, right))
	}
	if currentLiabilities != 0 {
		ratio := currentAssets / currentLiabilities
		out.CurrentRatio = &ratio
	}
	return out
}

func normalizeAccountType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "asset", "activo":
		return "asset"
	case "liability", "pasivo":
		return "liability"
	case "equity", "patrimonio", "capital":
		return "equity"
	}
	return ""
}

// AuditBalanceSheetTool exposes AuditBalanceSheet. It accepts either line
// items or the three totals.
type AuditBalanceSheetTool struct {
	Materiality float64
}

func (t *AuditBalanceSheetTool) Name() string { return "audit_balance_sheet" }
func (t *AuditBalanceSheetTool) Description() string {
	return "Revisa la ecuación contable y la razón corriente de un balance general."
}
func (t *AuditBalanceSheetTool) Category() string { return "analysis" }
func (t *AuditBalanceSheetTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "entries", Type: "array", Items: "object", Description: "Líneas {account, type (asset|liability|equity), amount}."},
		{Name: "assets", Type: "number"},
		{Name: "liabilities", Type: "number"},
		{Name: "equity", Type: "number"},
	}
}

func (t *AuditBalanceSheetTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	var entries []BalanceEntry
	for _, item := range argObjects(args, "entries") {
		amount, _ := framework.ArgFloat(item, "amount")
		entries = append(entries, BalanceEntry{
			Account: framework.ArgString(item, "account"),
			Type:    framework.ArgString(item, "type"),
			Amount:  amount,
		})
	}
	if len(entries) == 0 {
		for _, total := range []struct{ arg, kind string }{
			{"assets", "asset"},
			{"liabilities", "liability"},
			{"equity", "equity"},
		} {
			v, ok := framework.ArgFloat(args, total.arg)
			if !ok {
				return failure("Se requieren las líneas del balance o los totales assets, liabilities y equity."), nil
			}
			entries = append(entries, BalanceEntry{Account: total.arg, Type: total.kind, Amount: v})
		}
	}
	materiality := t.Materiality
	if materiality <= 0 {
		materiality = DefaultMateriality
	}
	audit := AuditBalanceSheet(entries, materiality)
	data := map[string]interface{}{
		"status": "success",
		"totals": map[string]interface{}{
			"assets":      audit.Assets,
			"liabilities": audit.Liabilities,
			"equity":      audit.Equity,
		},
		"findings": append([]string{}, audit.Findings...),
	}
	if audit.CurrentRatio != nil {
		data["current_ratio"] = *audit.CurrentRatio
	} else {
		data["current_ratio"] = nil
	}
	return success(data), nil
}

func (t *AuditBalanceSheetTool) IsAvailable(ctx context.Context) bool { return true }

// Transaction is one journal entry line.
type Transaction struct {
	Date    time.Time
	RawDate string
	Account string
	Debit   float64
	Credit  float64
	Amount  float64
}

// TransactionIssue flags a transaction by its input index.
type TransactionIssue struct {
	Index int
	Issue string
}

// VerifyTransactions reports potential duplicates (same day, account and
// amount) and unbalanced entries (debit and credit flags both set or both
// unset).
func VerifyTransactions(txs []Transaction) []TransactionIssue {
	type dupKey struct {
		day     string
		account string
		amount  float64
	}
	groups := map[dupKey][]int{}
	for i, tx := range txs {
		day := tx.RawDate
		if !tx.Date.IsZero() {
			day = tx.Date.Format("2006-01-02")
		}
		k := dupKey{day: day, account: tx.Account, amount: tx.Amount}
		groups[k] = append(groups[k], i)
	}
	var issues []TransactionIssue
	for _, idxs := range groups {
		if len(idxs) > 1 {
			for _, i := range idxs {
				issues = append(issues, TransactionIssue{Index: i, Issue: "potential duplicate"})
			}
		}
	}
	for i, tx := range txs {
		if (tx.Debit == 1 && tx.Credit == 1) || (tx.Debit == 0 && tx.Credit == 0) {
			issues = append(issues, TransactionIssue{Index: i, Issue: "unbalanced entry"})
		}
	}
	sort.Slice(issues, func(a, b int) bool {
		if issues[a].Index != issues[b].Index {
			return issues[a].Index < issues[b].Index
		}
		return issues[a].Issue < issues[b].Issue
	})
	return issues
}

var transactionDateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05", "02/01/2006"}

func parseTransactionDate(raw string) time.Time {
	for _, layout := range transactionDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// VerifyTransactionsTool exposes VerifyTransactions.
type VerifyTransactionsTool struct{}

func (t *VerifyTransactionsTool) Name() string { return "verify_transactions" }
func (t *VerifyTransactionsTool) Description() string {
	return "Detecta asientos duplicados o desbalanceados en una lista de transacciones."
}
func (t *VerifyTransactionsTool) Category() string { return "analysis" }
func (t *VerifyTransactionsTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "transactions", Type: "array", Items: "object", Required: true, Description: "Transacciones {date, account, debit, credit, amount}."},
	}
}

func (t *VerifyTransactionsTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	items := argObjects(args, "transactions")
	txs := make([]Transaction, 0, len(items))
	for _, item := range items {
		raw := framework.ArgString(item, "date")
		debit, _ := framework.ArgFloat(item, "debit")
		credit, _ := framework.ArgFloat(item, "credit")
		amount, _ := framework.ArgFloat(item, "amount")
		txs = append(txs, Transaction{
			Date:    parseTransactionDate(raw),
			RawDate: raw,
			Account: framework.ArgString(item, "account"),
			Debit:   debit,
			Credit:  credit,
			Amount:  amount,
		})
	}
	issues := VerifyTransactions(txs)
	anomalies := make([]map[string]interface{}, 0, len(issues))
	for _, issue := range issues {
		tx := txs[issue.Index]
		anomalies = append(anomalies, map[string]interface{}{
			"index":   issue.Index,
			"date":    tx.RawDate,
			"account": tx.Account,
			"amount":  tx.Amount,
			"issue":   issue.Issue,
		})
	}
	return success(map[string]interface{}{
		"status":        "success",
		"checked":       len(txs),
		"anomaly_count": len(anomalies),
		"anomalies":     anomalies,
		"has_anomalies": len(anomalies) > 0,
	}), nil
}

func (t *VerifyTransactionsTool) IsAvailable(ctx context.Context) bool { return true }

// CheckCompliance returns checklist items whose document is missing or falsy.
func CheckCompliance(docs map[string]interface{}, checklist []string) map[string]string {
	if len(checklist) == 0 {
		checklist = DefaultComplianceChecklist
	}
	issues := map[string]string{}
	for _, item := range checklist {
		if !truthy(docs[item]) {
			issues[item] = "falta o está vacío"
		}
	}
	return issues
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return strings.TrimSpace(x) != ""
	case float64:
		return x != 0
	case []interface{}:
		return len(x) > 0
	case map[string]interface{}:
		return len(x) > 0
	default:
		return true
	}
}

// CheckComplianceTool exposes CheckCompliance.
type CheckComplianceTool struct {
	Checklist []string
}

func (t *CheckComplianceTool) Name() string { return "check_compliance" }
func (t *CheckComplianceTool) Description() string {
	return "Verifica la presencia de políticas y controles clave (SOX 302, SOX 404, IFRS, Código de Ética)."
}
func (t *CheckComplianceTool) Category() string { return "analysis" }
func (t *CheckComplianceTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "documents", Type: "object", Required: true, Description: "Nombre del control como clave; ruta, URL o true como valor."},
		{Name: "checklist", Type: "array", Items: "string"},
	}
}

func (t *CheckComplianceTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	checklist := framework.ArgStrings(args, "checklist")
	if len(checklist) == 0 {
		checklist = t.Checklist
	}
	issues := CheckCompliance(argMap(args, "documents"), checklist)
	return success(map[string]interface{}{
		"status":    "success",
		"compliant": len(issues) == 0,
		"issues":    issues,
	}), nil
}

func (t *CheckComplianceTool) IsAvailable(ctx context.Context) bool { return true }
