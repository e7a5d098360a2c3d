package mockserver

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

// Config is the YAML schema of a mock backend script.
type Config struct {
	Settings  Settings   `yaml:"settings"`
	Documents []Document `yaml:"documents"`
	Scenarios []Scenario `yaml:"scenarios"`
	// Fallback names the scenario used when no rule matches.
	Fallback string `yaml:"fallback"`
}

// Settings configures server behaviour.
type Settings struct {
	StepDelayMS int    `yaml:"step_delay_ms"` // delay between streamed fragments
	Format      string `yaml:"format"`        // "sse" (default) or "ndjson"
	APIKey      string `yaml:"api_key"`       // required bearer token, empty for none
}

// Document is a known document for source lookups.
type Document struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
}

// Scenario is one scripted turn.
type Scenario struct {
	Name     string      `yaml:"name"`
	Match    MatchConfig `yaml:"match"`
	Priority int         `yaml:"priority"`

	// Status, when non-zero and not 2xx, rejects the stream request.
	Status int `yaml:"status"`
	// Malformed is the number of unparseable fragments sent after start.
	Malformed int    `yaml:"malformed"`
	Steps     []Step `yaml:"steps"`
	// Abrupt closes the body after the steps without a terminal event.
	Abrupt   bool          `yaml:"abrupt"`
	Error    string        `yaml:"error"`
	Response *ResponseSpec `yaml:"response"`
}

// Step is an orchestrator step, or a worker step when Tool or TaskID is set.
type Step struct {
	Phase      string         `yaml:"phase"`
	Reasoning  string         `yaml:"reasoning"`
	Output     string         `yaml:"output"`
	Tokens     int            `yaml:"tokens"`
	DurationMS float64        `yaml:"duration_ms"`
	TaskID     string         `yaml:"task_id"`
	TaskType   string         `yaml:"task_type"`
	Tool       string         `yaml:"tool"`
	Failed     bool           `yaml:"failed"`
	Documents  []StepDocument `yaml:"documents"`
}

// StepDocument is a document reported by a worker step.
type StepDocument struct {
	Title   string  `yaml:"title"`
	Score   float64 `yaml:"score"`
	Excerpt string  `yaml:"excerpt"`
}

// IsWorker reports whether the step is a worker step.
func (s Step) IsWorker() bool { return s.Tool != "" || s.TaskID != "" }

// ResponseSpec is the scripted answer.
type ResponseSpec struct {
	Content      string       `yaml:"content"`
	Sources      []SourceSpec `yaml:"sources"`
	WorkerTokens int          `yaml:"worker_tokens"`
	CostUSD      float64      `yaml:"cost_usd"`
}

// SourceSpec is a scripted citation.
type SourceSpec struct {
	Title      string  `yaml:"title"`
	URL        string  `yaml:"url"`
	DocumentID string  `yaml:"document_id"`
	Score      float64 `yaml:"score"`
}

// MatchConfig defines how a scenario matches the user message. The first
// non-empty criterion decides.
type MatchConfig struct {
	Exact       string   `yaml:"exact"`
	Contains    string   `yaml:"contains"`
	ContainsAll []string `yaml:"contains_all"`
	ContainsAny []string `yaml:"contains_any"`
	Regex       string   `yaml:"regex"`

	re *regexp.Regexp
}

// Matches checks whether message matches, case-insensitively.
func (m *MatchConfig) Matches(message string) bool {
	lower := strings.ToLower(message)
	switch {
	case m.Exact != "":
		return strings.EqualFold(strings.TrimSpace(message), m.Exact)
	case m.Contains != "":
		return strings.Contains(lower, strings.ToLower(m.Contains))
	case len(m.ContainsAll) > 0:
		for _, s := range m.ContainsAll {
			if !strings.Contains(lower, strings.ToLower(s)) {
				return false
			}
		}
		return true
	case len(m.ContainsAny) > 0:
		for _, s := range m.ContainsAny {
			if strings.Contains(lower, strings.ToLower(s)) {
				return true
			}
		}
		return false
	case m.re != nil:
		return m.re.MatchString(message)
	}
	return false
}

// compile prepares regex matchers and checks scenario consistency.
func (c *Config) compile() error {
	names := make(map[string]bool)
	for i := range c.Scenarios {
		sc := &c.Scenarios[i]
		if sc.Name == "" {
			sc.Name = fmt.Sprintf("scenario-%d", i+1)
		}
		names[sc.Name] = true
		if sc.Match.Regex != "" {
			re, err := regexp.Compile("(?i)" + sc.Match.Regex)
			if err != nil {
				return fmt.Errorf("scenario %s: %w", sc.Name, err)
			}
			sc.Match.re = re
		}
		if sc.Error != "" && sc.Response != nil {
			return fmt.Errorf("scenario %s: error and response are exclusive", sc.Name)
		}
	}
	if c.Fallback != "" && !names[c.Fallback] {
		return fmt.Errorf("fallback scenario %q is not defined", c.Fallback)
	}
	switch c.Settings.Format {
	case "", "sse", "ndjson":
	default:
		return fmt.Errorf("unknown format %q", c.Settings.Format)
	}
	return nil
}

// Find returns the highest-priority scenario matching message, the fallback
// scenario, or nil.
func (c *Config) Find(message string) *Scenario {
	var best *Scenario
	for i := range c.Scenarios {
		sc := &c.Scenarios[i]
		if sc.Match.Matches(message) && (best == nil || sc.Priority > best.Priority) {
			best = sc
		}
	}
	if best != nil {
		return best
	}
	for i := range c.Scenarios {
		if c.Scenarios[i].Name == c.Fallback {
			return &c.Scenarios[i]
		}
	}
	return nil
}

// LoadConfig reads a YAML script.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML script.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the built-in script: a research turn by default, and
// failure modes selected by keywords in the message.
func DefaultConfig() *Config {
	cfg, err := ParseConfig([]byte(defaultScript))
	if err != nil {
		panic(err)
	}
	return cfg
}

// toOrchestrator and toWorker convert script steps to protocol payloads.
func (s Step) toOrchestrator() types.OrchestratorStep {
	return types.OrchestratorStep{
		Phase:      s.Phase,
		Reasoning:  s.Reasoning,
		Output:     s.Output,
		DurationMS: s.DurationMS,
		Tokens:     s.Tokens,
	}
}

func (s Step) toWorker() types.WorkerStep {
	docs := make([]types.Document, len(s.Documents))
	for i, d := range s.Documents {
		docs[i] = types.Document{Title: d.Title, Score: d.Score, Excerpt: d.Excerpt}
	}
	return types.WorkerStep{
		TaskID:     s.TaskID,
		TaskType:   s.TaskType,
		Tool:       s.Tool,
		DurationMS: s.DurationMS,
		Success:    !s.Failed,
		Documents:  docs,
	}
}

const defaultScript = `
settings:
  step_delay_ms: 150
  format: sse
documents:
  - id: doc-handbook
    title: Employee Handbook
  - id: doc-security
    title: Security Policy
fallback: research
scenarios:
  - name: research
    steps:
      - phase: planning
        reasoning: Split the question into searches.
        tokens: 120
        duration_ms: 300
      - task_id: t1
        task_type: search
        tool: document_search
        duration_ms: 420
        documents:
          - title: Employee Handbook
            score: 0.91
            excerpt: Remote work is allowed up to three days a week.
      - task_id: t2
        task_type: search
        tool: web_search
        duration_ms: 610
      - phase: synthesis
        reasoning: Combine the findings.
        tokens: 210
        duration_ms: 500
    response:
      content: "Based on the handbook, remote work is allowed up to three days a week."
      worker_tokens: 90
      cost_usd: 0.0042
      sources:
        - title: Employee Handbook
          score: 0.91
  - name: backend-error
    match:
      contains: fail
    priority: 10
    steps:
      - phase: planning
        tokens: 50
    error: The agent could not complete the request.
  - name: dropped-connection
    match:
      contains: drop connection
    priority: 20
    steps:
      - phase: planning
        tokens: 50
    abrupt: true
  - name: unavailable
    match:
      contains: unavailable
    priority: 20
    status: 503
  - name: garbage
    match:
      contains: garbage
    priority: 20
    malformed: 3
    response:
      content: Survived some noise.
`
