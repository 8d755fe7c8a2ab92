package agents

import (
	"fmt"
	"strings"

	"github.com/lexcodex/auditia/framework"
)

// DefaultMaxToolIterations bounds the chat-with-tools loop of one run.
const DefaultMaxToolIterations = 6

// DecisionMarker prefixes the structured decision line tier replies end with.
const DecisionMarker = "DECISION:"

// Decision values the marker line carries.
const (
	MarkerEscalate    = "escalar"
	MarkerNone        = "ninguna"
	MarkerFinalReport = "informe_final"
)

// TierSpec is the static configuration of one auditor tier.
type TierSpec struct {
	Tier              framework.Tier
	Name              string
	Description       string
	Instruction       string
	Tools             []string
	Temperature       float64
	MaxTokens         int
	MaxToolIterations int
	// Model pins a model type for this tier. Empty uses the registry default.
	Model string
}

// SpecOverride is the per-tier section of the config file.
type SpecOverride struct {
	Model             string   `yaml:"model,omitempty"`
	Temperature       *float64 `yaml:"temperature,omitempty"`
	MaxTokens         int      `yaml:"max_tokens,omitempty"`
	MaxToolIterations int      `yaml:"max_tool_iterations,omitempty"`
	Instruction       string   `yaml:"instruction,omitempty"`
}

// Apply returns a copy of spec with the override's non-empty fields set.
func (o SpecOverride) Apply(spec TierSpec) TierSpec {
	if o.Model != "" {
		spec.Model = o.Model
	}
	if o.Temperature != nil {
		spec.Temperature = *o.Temperature
	}
	if o.MaxTokens > 0 {
		spec.MaxTokens = o.MaxTokens
	}
	if o.MaxToolIterations > 0 {
		spec.MaxToolIterations = o.MaxToolIterations
	}
	if strings.TrimSpace(o.Instruction) != "" {
		spec.Instruction = o.Instruction
	}
	spec.Tools = append([]string(nil), spec.Tools...)
	return spec
}

// Validate checks the fields the factory relies on.
func (s TierSpec) Validate() error {
	if !s.Tier.Valid() {
		return fmt.Errorf("tier spec: unknown tier %q", s.Tier)
	}
	if s.Name == "" {
		return fmt.Errorf("tier spec %s: missing name", s.Tier)
	}
	if strings.TrimSpace(s.Instruction) == "" {
		return fmt.Errorf("tier spec %s: missing instruction", s.Tier)
	}
	return nil
}

func decisionFooter(allowed ...string) string {
	return fmt.Sprintf("\n\nTermina SIEMPRE tu respuesta con una línea final con el formato %q seguida de una de estas opciones: %s.",
		DecisionMarker+" <opción>", strings.Join(allowed, ", "))
}

const assistantInstruction = `Eres un Asistente de Auditoría IA de primera línea, especializado en atención a clientes que requieren auditoría financiera y contable.

# Tus principales responsabilidades son:
1. Atender a los clientes que se conectan al servicio de auditoría.
2. Recopilar información y documentos necesarios para el proceso de auditoría.
3. Realizar un análisis inicial básico de los documentos proporcionados por el cliente.
4. Escalar casos complejos al agente Senior cuando sea apropiado.

# Reglas importantes:
1. SIEMPRE trata al cliente con amabilidad y profesionalismo.
2. NUNCA inventes información financiera o contable que no esté respaldada por los documentos proporcionados.
3. Si detectas anomalías importantes, discrepancias en los datos o casos que requieran un análisis más detallado, DEBES escalar el caso al agente Senior utilizando la herramienta "escalate_to_senior".
4. Registra los eventos importantes de la auditoría con la herramienta "save_audit_event".

Al escalar un caso, proporciona un resumen claro y conciso de la situación y explica al cliente que un especialista Senior continuará con su caso.`

const seniorInstruction = `Eres un Agente Senior de Auditoría IA con amplia experiencia en análisis financiero y contable.

# Tus principales responsabilidades son:
1. Revisar los casos escalados por el Asistente IA.
2. Realizar análisis detallados de documentos financieros y contables.
3. Identificar inconsistencias, errores, riesgos y problemas de cumplimiento.
4. Proporcionar recomendaciones basadas en las normas de auditoría aplicables.

# Reglas importantes:
1. Cuando identifiques hallazgos importantes, DEBES registrarlos con la herramienta "save_audit_finding".
2. Ante posibles fraudes, incumplimientos significativos o discrepancias materiales, escala el caso con la herramienta "escalate_to_supervisor" e indica en tu respuesta "escalar al supervisor".

Explica tu análisis al cliente de manera clara y estructurada.`

const supervisorInstruction = `Eres un Supervisor IA de una firma de auditoría. Tu trabajo es supervisar a los Senior IA y evaluar la calidad global de la auditoría.

DIRECTRICES PRINCIPALES:
1. Revisa el trabajo del Senior y verifica que se siguieron las metodologías de auditoría.
2. Evalúa el cumplimiento normativo con la herramienta "check_compliance".
3. Para asuntos críticos o hallazgos que afecten materialmente a los estados financieros, escala el caso con la herramienta "escalate_to_manager" e indica en tu respuesta "escalar al manager".

Debes determinar qué asuntos son suficientemente importantes para ser escalados al nivel de gerencia.`

const managerInstruction = `Eres un Gerente IA de una firma de auditoría. Eres el nivel más alto de decisión y tus conclusiones representan la posición oficial de la firma ante el cliente.

DIRECTRICES PRINCIPALES:
1. Evalúa los análisis del Senior y del Supervisor y determina la importancia relativa de cada hallazgo.
2. Formula conclusiones claras sobre la salud financiera de la entidad auditada.
3. Cuando la auditoría esté lista para cerrarse, usa la herramienta "generate_final_report" y menciona en tu respuesta que se emite el "informe final".

Comunica de manera concisa y profesional, enfocándote en lo que es realmente importante.`

// DefaultTierSpecs returns the built-in configuration of every tier.
func DefaultTierSpecs() map[framework.Tier]TierSpec {
	return map[framework.Tier]TierSpec{
		framework.TierAssistant: {
			Tier:        framework.TierAssistant,
			Name:        framework.TierAssistant.AgentName(),
			Description: "Asistente IA de primera línea que atiende al cliente y deriva casos complejos al Senior.",
			Instruction: assistantInstruction + decisionFooter(MarkerEscalate, MarkerNone),
			Tools: []string{
				"escalate_to_senior", "save_audit_event", "get_sheet_data", "verify_sheet_totals", "log_agent_action",
			},
			Temperature:       0.2,
			MaxTokens:         1024,
			MaxToolIterations: DefaultMaxToolIterations,
		},
		framework.TierSenior: {
			Tier:        framework.TierSenior,
			Name:        framework.TierSenior.AgentName(),
			Description: "Senior IA especializado en análisis financiero detallado.",
			Instruction: seniorInstruction + decisionFooter(MarkerEscalate, MarkerNone),
			Tools: []string{
				"save_audit_finding", "escalate_to_supervisor", "verify_balance_equation", "audit_balance_sheet",
				"verify_transactions", "get_sheet_data", "log_agent_action",
			},
			Temperature:       0.2,
			MaxTokens:         1536,
			MaxToolIterations: DefaultMaxToolIterations,
		},
		framework.TierSupervisor: {
			Tier:        framework.TierSupervisor,
			Name:        framework.TierSupervisor.AgentName(),
			Description: "Supervisor IA que evalúa la calidad global de la auditoría y el cumplimiento.",
			Instruction: supervisorInstruction + decisionFooter(MarkerEscalate, MarkerNone),
			Tools: []string{
				"save_audit_finding", "escalate_to_manager", "check_compliance", "write_audit_comments",
				"get_action_history", "log_agent_action",
			},
			Temperature:       0.1,
			MaxTokens:         1536,
			MaxToolIterations: DefaultMaxToolIterations,
		},
		framework.TierManager: {
			Tier:        framework.TierManager,
			Name:        framework.TierManager.AgentName(),
			Description: "Gerente IA que emite las conclusiones finales y el informe de auditoría.",
			Instruction: managerInstruction + decisionFooter(MarkerFinalReport, MarkerNone),
			Tools: []string{
				"generate_final_report", "summarize_agent_activities", "get_task_timeline", "get_action_history",
				"save_audit_event",
			},
			Temperature:       0.1,
			MaxTokens:         2048,
			MaxToolIterations: DefaultMaxToolIterations,
		},
	}
}
