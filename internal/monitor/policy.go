// Package monitor классифицирует сырые события поведения агентов против
// декларативной изоляционной политики и ведет append-only журнал нарушений.
package monitor

import (
	"fmt"
	"strings"

	"github.com/xela07ax/agent-warden/internal/infra"
)

// RuleKind — закрытый набор вариантов правил. Классификация обязана быть
// исчерпываемой и тестируемой, свободные предикаты запрещены.
type RuleKind string

const (
	RuleNetworkEgress   RuleKind = "network-egress"
	RuleAllowedPaths    RuleKind = "allowed-paths"
	RuleAllowedCaps     RuleKind = "allowed-capabilities"
	RuleResourceCeiling RuleKind = "resource-ceiling"
)

type Rule struct {
	Kind RuleKind

	// RuleNetworkEgress
	AllowEgress bool

	// RuleAllowedPaths
	PathPrefixes []string

	// RuleAllowedCaps
	Capabilities []string

	// RuleResourceCeiling
	Metric  string
	Ceiling float64
}

// Policy — изоляционный контракт одного рана: что агентам разрешено.
// Все, что снаружи разрешенного, — Violation.
type Policy struct {
	allowEgress bool
	pathPrefix  []string
	caps        map[string]bool
	ceilings    map[string]float64
}

// NewPolicy собирает политику из закрытого набора правил.
func NewPolicy(rules []Rule) (*Policy, error) {
	p := &Policy{
		caps:     make(map[string]bool),
		ceilings: make(map[string]float64),
	}
	for _, r := range rules {
		switch r.Kind {
		case RuleNetworkEgress:
			p.allowEgress = r.AllowEgress
		case RuleAllowedPaths:
			p.pathPrefix = append(p.pathPrefix, r.PathPrefixes...)
		case RuleAllowedCaps:
			for _, c := range r.Capabilities {
				p.caps[c] = true
			}
		case RuleResourceCeiling:
			if r.Metric == "" {
				return nil, fmt.Errorf("monitor: resource-ceiling rule requires a metric name")
			}
			p.ceilings[r.Metric] = r.Ceiling
		default:
			return nil, fmt.Errorf("monitor: unknown rule kind %q", r.Kind)
		}
	}
	return p, nil
}

// FromConfig — политика из секции monitor.policy конфига.
func FromConfig(cfg infra.PolicyConfig) (*Policy, error) {
	rules := []Rule{
		{Kind: RuleNetworkEgress, AllowEgress: cfg.AllowNetworkEgress},
		{Kind: RuleAllowedPaths, PathPrefixes: cfg.AllowedPathPrefixes},
		{Kind: RuleAllowedCaps, Capabilities: cfg.AllowedCapabilities},
	}
	for metric, ceiling := range cfg.ResourceCeilings {
		rules = append(rules, Rule{Kind: RuleResourceCeiling, Metric: metric, Ceiling: ceiling})
	}
	return NewPolicy(rules)
}

func (p *Policy) egressAllowed() bool { return p.allowEgress }

func (p *Policy) pathAllowed(path string) bool {
	for _, prefix := range p.pathPrefix {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (p *Policy) capabilityAllowed(name string) bool { return p.caps[name] }

// ceiling возвращает лимит метрики; метрика без лимита не контролируется.
func (p *Policy) ceiling(metric string) (float64, bool) {
	c, ok := p.ceilings[metric]
	return c, ok
}
