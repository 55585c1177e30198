package claim

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/vault-agent/internal/models"
)

// AnyRole in a rule makes matching items claimable by every role.
const AnyRole = "any"

// Rule assigns items to a role. Empty Types or Keywords match everything.
type Rule struct {
	Role     string        `yaml:"role"`
	Types    []models.Kind `yaml:"types,omitempty"`
	Keywords []string      `yaml:"keywords,omitempty"`
}

// Router decides which roles are responsible for an item.
type Router struct {
	Rules []Rule `yaml:"rules"`
	// Fallback is responsible for items no rule matches. Empty means nobody.
	Fallback string `yaml:"fallback,omitempty"`
}

// DefaultRouter splits work the way the two standard agents do: cloud
// handles communication and content triage, local handles anything that
// touches approvals, payments or sending.
func DefaultRouter() *Router {
	return &Router{
		Rules: []Rule{
			{Role: AnyRole, Types: []models.Kind{models.KindEscalation}},
			{Role: "cloud", Keywords: []string{"email", "gmail", "facebook", "instagram", "twitter", "social", "linkedin", "content", "calendar"}},
			{Role: "local", Keywords: []string{"approval", "whatsapp", "payment", "bank", "send", "post", "execute"}},
		},
		Fallback: "local",
	}
}

// LoadRouter reads routing rules from a YAML file. An empty path yields the
// default rules.
func LoadRouter(path string) (*Router, error) {
	if path == "" {
		return DefaultRouter(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routing file: %w", err)
	}
	var r Router
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing routing file: %w", err)
	}
	for i, rule := range r.Rules {
		if rule.Role == "" {
			return nil, fmt.Errorf("routing rule %d: missing role", i)
		}
		for _, k := range rule.Types {
			if !k.Valid() {
				return nil, fmt.Errorf("routing rule %d: unknown type %q", i, k)
			}
		}
	}
	return &r, nil
}

// Accepts reports whether role is responsible for it.
func (r *Router) Accepts(role string, it models.Item) bool {
	if r == nil {
		return true
	}
	text := searchText(it)
	matched := false
	for _, rule := range r.Rules {
		if !rule.matches(it.Kind, text) {
			continue
		}
		matched = true
		if rule.Role == role || rule.Role == AnyRole {
			return true
		}
	}
	return !matched && r.Fallback != "" && (r.Fallback == role || r.Fallback == AnyRole)
}

func (rule Rule) matches(kind models.Kind, text string) bool {
	if len(rule.Types) > 0 {
		ok := false
		for _, k := range rule.Types {
			if k == kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(rule.Keywords) == 0 {
		return true
	}
	for _, kw := range rule.Keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func searchText(it models.Item) string {
	var b strings.Builder
	b.WriteString(it.ID)
	b.WriteByte(' ')
	b.WriteString(it.Domain)
	b.WriteByte(' ')
	b.WriteString(it.Action)
	b.WriteByte(' ')
	for k, v := range it.Params {
		b.WriteString(k)
		b.WriteByte(' ')
		b.WriteString(v)
		b.WriteByte(' ')
	}
	b.WriteString(it.Body)
	return strings.ToLower(b.String())
}
