package linescan

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"

	"artifact-scanner/v1/pkg/findings"
	"artifact-scanner/v1/pkg/logger"
	"artifact-scanner/v1/pkg/patterns"
)

// GitleaksDetector runs the gitleaks rule set over whole units.
type GitleaksDetector struct {
	mu       sync.Mutex
	detector *detect.Detector
	log      *logger.NamedLogger
}

// NewGitleaksDetector builds a detector from the gitleaks TOML at configPath,
// or from the built-in rules when configPath is empty.
func NewGitleaksDetector(configPath string) (*GitleaksDetector, error) {
	log := logger.WithName("linescan").Named("gitleaks")

	if configPath == "" {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to create default gitleaks detector: %w", err)
		}
		log.V(1).InfoS("Using default gitleaks rules", "rules", len(d.Config.Rules))
		return &GitleaksDetector{detector: d, log: log}, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("gitleaks config file not found at %s: %w", configPath, err)
		}
		return nil, fmt.Errorf("failed to read gitleaks config %s: %w", configPath, err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gitleaks config %s: %w", configPath, err)
	}
	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate gitleaks config %s: %w", configPath, err)
	}
	if len(cfg.Rules) == 0 {
		log.Warning("gitleaks config contains no rules", "path", configPath)
	}

	log.V(1).InfoS("Using custom gitleaks rules", "path", configPath, "rules", len(cfg.Rules))
	return &GitleaksDetector{detector: detect.NewDetector(cfg), log: log}, nil
}

// Detect returns one finding per gitleaks match. The secret itself is never
// reported, only its rule id and a four character preview.
func (g *GitleaksDetector) Detect(content string, source string) []findings.Finding {
	g.mu.Lock()
	raw := g.detector.DetectBytes([]byte(content))
	g.mu.Unlock()

	out := make([]findings.Finding, 0, len(raw))
	for _, gf := range raw {
		// StartLine counts from zero
		line := gf.StartLine + 1
		if line < 1 {
			line = 1
		}
		out = append(out, findings.Finding{
			Path: source,
			Line: line,
			Text: fmt.Sprintf("%s: %s", gf.RuleID, patterns.Preview(gf.Secret)),
			Rule: findings.RuleGitleaksPrefix + gf.RuleID,
		})
	}

	if len(out) > 0 {
		g.log.V(2).InfoS("gitleaks matched", "source", source, "count", len(out))
	}
	return out
}
