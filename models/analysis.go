package models

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// Finding is one issue reported by an analysis engine.
type Finding struct {
	Title       string `json:"title"`
	Severity    string `json:"severity,omitempty"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
}

// AuditResult is the canonical report body stored off-chain.
type AuditResult struct {
	Summary         string    `json:"summary,omitempty"`
	Findings        []Finding `json:"findings,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Engine          string    `json:"engine,omitempty"`
}

// AnalysisResult is the tagged union of result shapes produced by the
// analysis engines. Variants resolve their own alternate field names when
// decoded so nothing downstream inspects raw fields.
type AnalysisResult interface {
	AuditType() AuditType
	// Score returns the raw score and whether one was present.
	Score() (float64, bool)
	// Risk returns the explicit risk level, if the engine supplied one.
	Risk() (RiskLevel, bool)
	Report() AuditResult
}

// StaticAnalysis is produced by the rule-based scanner.
type StaticAnalysis struct {
	score    *float64
	risk     *RiskLevel
	Summary  string
	Findings []Finding
	Tool     string
}

func (s *StaticAnalysis) AuditType() AuditType { return AuditStatic }

func (s *StaticAnalysis) Score() (float64, bool) {
	if s.score == nil {
		return 0, false
	}
	return *s.score, true
}

func (s *StaticAnalysis) Risk() (RiskLevel, bool) {
	if s.risk == nil {
		return 0, false
	}
	return *s.risk, true
}

func (s *StaticAnalysis) Report() AuditResult {
	return AuditResult{Summary: s.Summary, Findings: s.Findings, Engine: s.Tool}
}

func (s *StaticAnalysis) UnmarshalJSON(b []byte) error {
	var w resultWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	risk, err := w.risk()
	if err != nil {
		return err
	}
	s.score = w.score()
	s.risk = risk
	s.Summary = w.summary()
	s.Findings = w.findings()
	s.Tool = firstString(w.Tool, w.Model)
	return nil
}

// AIAnalysis is produced by the model-assisted reviewer.
type AIAnalysis struct {
	score           *float64
	risk            *RiskLevel
	Summary         string
	Findings        []Finding
	Recommendations []string
	Model           string
}

func (a *AIAnalysis) AuditType() AuditType { return AuditAIPowered }

func (a *AIAnalysis) Score() (float64, bool) {
	if a.score == nil {
		return 0, false
	}
	return *a.score, true
}

func (a *AIAnalysis) Risk() (RiskLevel, bool) {
	if a.risk == nil {
		return 0, false
	}
	return *a.risk, true
}

func (a *AIAnalysis) Report() AuditResult {
	return AuditResult{
		Summary:         a.Summary,
		Findings:        a.Findings,
		Recommendations: a.Recommendations,
		Engine:          a.Model,
	}
}

func (a *AIAnalysis) UnmarshalJSON(b []byte) error {
	var w resultWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	risk, err := w.risk()
	if err != nil {
		return err
	}
	a.score = w.score()
	a.risk = risk
	a.Summary = w.summary()
	a.Findings = w.findings()
	a.Recommendations = w.Recommendations
	a.Model = firstString(w.Model, w.Tool)
	return nil
}

// resultWire carries every field name the engines are known to use. Both
// variants accept all of them.
type resultWire struct {
	SecurityScore    *float64        `json:"securityScore"`
	Score            *float64        `json:"score"`
	OverallScore     *float64        `json:"overallScore"`
	RiskLevel        json.RawMessage `json:"riskLevel"`
	Risk             json.RawMessage `json:"risk"`
	OverallRisk      json.RawMessage `json:"overallRisk"`
	Summary          string          `json:"summary"`
	Description      string          `json:"description"`
	ExecutiveSummary string          `json:"executiveSummary"`
	Vulnerabilities  []Finding       `json:"vulnerabilities"`
	Findings         []Finding       `json:"findings"`
	Issues           []Finding       `json:"issues"`
	Recommendations  []string        `json:"recommendations"`
	Tool             string          `json:"tool"`
	Model            string          `json:"model"`
}

func (w *resultWire) score() *float64 {
	return firstFloat(w.SecurityScore, w.Score, w.OverallScore)
}

func (w *resultWire) risk() (*RiskLevel, error) {
	return firstRisk(w.RiskLevel, w.Risk, w.OverallRisk)
}

func (w *resultWire) summary() string {
	return firstString(w.Summary, w.Description, w.ExecutiveSummary)
}

func (w *resultWire) findings() []Finding {
	for _, f := range [][]Finding{w.Vulnerabilities, w.Findings, w.Issues} {
		if len(f) > 0 {
			return f
		}
	}
	return nil
}

// DecodeAnalysisResult decodes a {"kind": ..., ...} envelope into its variant.
func DecodeAnalysisResult(raw []byte) (AnalysisResult, error) {
	var env struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, eris.Wrap(err, "decode analysis result")
	}
	var res AnalysisResult
	switch strings.ToLower(env.Kind) {
	case "static", "":
		res = &StaticAnalysis{}
	case "ai", "ai_powered", "ai-powered":
		res = &AIAnalysis{}
	default:
		return nil, eris.Errorf("decode analysis result: unknown kind %q", env.Kind)
	}
	if err := json.Unmarshal(raw, res); err != nil {
		return nil, eris.Wrap(err, "decode analysis result")
	}
	return res, nil
}

// NewStaticAnalysis builds a static result directly, for callers that do not
// come through JSON.
func NewStaticAnalysis(score float64, summary string, findings ...Finding) *StaticAnalysis {
	return &StaticAnalysis{score: &score, Summary: summary, Findings: findings}
}

// NewAIAnalysis builds an AI result directly. A nil risk leaves the level to
// be derived from the score.
func NewAIAnalysis(score float64, risk *RiskLevel, summary string, findings ...Finding) *AIAnalysis {
	return &AIAnalysis{score: &score, risk: risk, Summary: summary, Findings: findings}
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func firstRisk(vals ...json.RawMessage) (*RiskLevel, error) {
	for _, v := range vals {
		if len(v) == 0 || string(v) == "null" || string(v) == `""` {
			continue
		}
		var r RiskLevel
		if err := r.UnmarshalJSON(v); err != nil {
			return nil, err
		}
		return &r, nil
	}
	return nil, nil
}
