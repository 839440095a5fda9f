package findings

import (
	"fmt"
	"strings"
	"sync"
)

// Rule names recorded on findings.
const (
	RulePattern        = "pattern"
	RuleEnv            = "env"
	RuleGitleaksPrefix = "gitleaks:"
)

// Finding is one reported leak. Line is 1-based and counted within the
// decoded unit named by Path.
type Finding struct {
	Path string `json:"path" yaml:"path"`
	Line int    `json:"line" yaml:"line"`
	Text string `json:"text" yaml:"text"`
	Rule string `json:"rule,omitempty" yaml:"rule,omitempty"`
}

// String renders the finding as "path:line: text".
func (f Finding) String() string {
	return fmt.Sprintf("%s:%d: %s", f.Path, f.Line, f.Text)
}

// IsGitleaks reports whether the finding came from the gitleaks rule pack.
func (f Finding) IsGitleaks() bool {
	return strings.HasPrefix(f.Rule, RuleGitleaksPrefix)
}

// Collector accumulates findings from concurrent producers. Append order is
// preserved.
type Collector struct {
	mu    sync.Mutex
	items []Finding
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Add(items ...Finding) {
	if len(items) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, items...)
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// All returns a copy of the collected findings.
func (c *Collector) All() []Finding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Finding(nil), c.items...)
}

// CountByRule groups findings by rule, folding every gitleaks rule into one
// "gitleaks" bucket.
func CountByRule(items []Finding) map[string]int {
	counts := make(map[string]int)
	for _, f := range items {
		rule := f.Rule
		if f.IsGitleaks() {
			rule = strings.TrimSuffix(RuleGitleaksPrefix, ":")
		}
		counts[rule]++
	}
	return counts
}
