package sweeper

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/pkg/models"
)

// Env is the variable set alert rule expressions can reference. One
// instance is built per tick from the aggregated system metrics.
type Env struct {
	CPUPercent      float64 `expr:"cpu_percent"`
	MemoryPercent   float64 `expr:"memory_percent"`
	DiskPercent     float64 `expr:"disk_percent"`
	TotalAgents     int     `expr:"total_agents"`
	AliveAgents     int     `expr:"alive_agents"`
	DeadAgents      int     `expr:"dead_agents"`
	ErrorRate       float64 `expr:"error_rate"`
	AvgResponseTime float64 `expr:"avg_response_time"`
	RequestRate     float64 `expr:"request_rate"`
	StorageFallback bool    `expr:"storage_fallback"`
}

// Rule is one configurable alert condition. Expression must evaluate
// to a boolean over Env.
type Rule struct {
	Name       string
	Severity   models.AlertSeverity
	Title      string
	Message    string
	Expression string
}

// DefaultRules covers the conditions the dashboard alerts on out of the
// box. Operators can replace or extend them via configuration.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "high_cpu",
			Severity:   models.SeverityWarning,
			Title:      "High CPU utilization",
			Message:    "CPU utilization is above 90%",
			Expression: "cpu_percent > 90",
		},
		{
			Name:       "high_memory",
			Severity:   models.SeverityWarning,
			Title:      "High memory utilization",
			Message:    "Memory utilization is above 90%",
			Expression: "memory_percent > 90",
		},
		{
			Name:       "low_disk",
			Severity:   models.SeverityCritical,
			Title:      "Disk nearly full",
			Message:    "Disk utilization is above 95%",
			Expression: "disk_percent > 95",
		},
		{
			Name:       "high_error_rate",
			Severity:   models.SeverityWarning,
			Title:      "High agent error rate",
			Message:    "More than half of reported agent requests are failing",
			Expression: "total_agents > 0 && error_rate > 0.5",
		},
		{
			Name:       "all_agents_dead",
			Severity:   models.SeverityCritical,
			Title:      "All agents dead",
			Message:    "Every registered agent has missed its heartbeat window",
			Expression: "total_agents > 0 && alive_agents == 0",
		},
		{
			Name:       "storage_degraded",
			Severity:   models.SeverityCritical,
			Title:      "Storage running on fallback",
			Message:    "The primary storage backend is down; running on the in-memory fallback",
			Expression: "storage_fallback",
		},
	}
}

// ParseRules turns configured "name:severity:expression" triples into
// rules. The expression may itself contain colons, so only the first
// two separators split.
func ParseRules(specs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		parts := strings.SplitN(s, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("sweeper: malformed rule %q, want name:severity:expression", s)
		}
		name := strings.TrimSpace(parts[0])
		severity := models.AlertSeverity(strings.TrimSpace(parts[1]))
		expression := strings.TrimSpace(parts[2])
		if name == "" || expression == "" {
			return nil, fmt.Errorf("sweeper: malformed rule %q, empty name or expression", s)
		}
		switch severity {
		case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
		default:
			return nil, fmt.Errorf("sweeper: rule %q: unknown severity %q", name, severity)
		}
		rules = append(rules, Rule{
			Name:       name,
			Severity:   severity,
			Title:      strings.ReplaceAll(name, "_", " "),
			Message:    "rule " + name + " triggered: " + expression,
			Expression: expression,
		})
	}
	return rules, nil
}

type compiledRule struct {
	Rule
	program *vm.Program
}

// RuleSet holds compiled alert rules.
type RuleSet struct {
	rules []compiledRule
}

// CompileRules type-checks every expression against Env at startup so a
// bad rule fails boot instead of a tick.
func CompileRules(rules []Rule) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		program, err := expr.Compile(r.Expression, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("sweeper: rule %q: %w", r.Name, err)
		}
		rs.rules = append(rs.rules, compiledRule{Rule: r, program: program})
	}
	return rs, nil
}

// Len reports the number of compiled rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// Evaluate returns an alert for every rule whose expression holds.
// A rule that errors at runtime is logged and skipped; the remaining
// rules still run.
func (rs *RuleSet) Evaluate(env Env) []models.Alert {
	var fired []models.Alert
	for _, r := range rs.rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			log.Warn().Err(err).Str("rule", r.Name).Msg("alert rule evaluation failed")
			continue
		}
		if hit, ok := out.(bool); !ok || !hit {
			continue
		}
		fired = append(fired, models.Alert{
			Type:     r.Name,
			Severity: r.Severity,
			Title:    r.Title,
			Message:  r.Message,
			Source:   "sweeper",
		})
	}
	return fired
}
