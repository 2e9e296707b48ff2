// SPDX-License-Identifier: AGPL-3.0-only

package priority

import (
	"io"
	"net/http"
	"strings"

	"github.com/grafana/regexp"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Rule maps the endpoints matching Pattern and called with one of Methods to a Priority.
// An empty Methods list matches any method.
type Rule struct {
	Name     string   `yaml:"name"`
	Pattern  string   `yaml:"pattern"`
	Methods  []string `yaml:"methods"`
	Priority Priority `yaml:"priority"`
}

var (
	writeMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
	readMethods  = []string{http.MethodGet, http.MethodHead}
)

// DefaultRules is the rule table used by NewClassifier when no rules are given.
// Order matters: the first matching rule wins.
var DefaultRules = []Rule{
	{Name: "order-write", Pattern: `^/orders(/(regular|amo|co|iceberg|gtt))?(/[^/]+)?$`, Methods: writeMethods, Priority: Critical},
	{Name: "order-book", Pattern: `^/orders(/.*)?$`, Methods: readMethods, Priority: High},
	{Name: "trades", Pattern: `^/trades(/.*)?$`, Methods: readMethods, Priority: High},
	{Name: "positions", Pattern: `^/portfolio/positions(/.*)?$`, Methods: readMethods, Priority: High},
	{Name: "margins", Pattern: `^/user/margins(/.*)?$`, Methods: readMethods, Priority: High},
	{Name: "holdings", Pattern: `^/portfolio/holdings(/.*)?$`, Methods: readMethods, Priority: Normal},
	{Name: "quotes", Pattern: `^/quote(/.*)?$`, Methods: readMethods, Priority: Normal},
	{Name: "profile", Pattern: `^/user/profile$`, Methods: readMethods, Priority: Normal},
	{Name: "market-status", Pattern: `^/market/status$`, Methods: readMethods, Priority: Normal},
	{Name: "historical", Pattern: `^/(instruments/)?historical(/.*)?$`, Methods: readMethods, Priority: Low},
	{Name: "instruments", Pattern: `^/instruments(/.*)?$`, Methods: readMethods, Priority: Low},
}

var apiVersionPrefix = regexp.MustCompile(`^/v[0-9]+(/|$)`)

type compiledRule struct {
	Rule
	re      *regexp.Regexp
	methods map[string]struct{}
}

func (r compiledRule) matches(path, method string) bool {
	if len(r.methods) > 0 {
		if _, ok := r.methods[method]; !ok {
			return false
		}
	}
	return r.re.MatchString(path)
}

// Classifier maps an outbound call to a Priority using an ordered rule table.
// It is immutable once built and safe for concurrent use.
type Classifier struct {
	rules []compiledRule
}

// NewClassifier compiles rules into a Classifier. DefaultRules are used if rules is empty.
func NewClassifier(rules []Rule) (*Classifier, error) {
	if len(rules) == 0 {
		rules = DefaultRules
	}

	c := &Classifier{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if !r.Priority.IsValid() {
			return nil, errors.Errorf("rule %d (%s): invalid priority %d", i, r.Name, r.Priority)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %d (%s): invalid pattern", i, r.Name)
		}

		cr := compiledRule{Rule: r, re: re}
		if len(r.Methods) > 0 {
			cr.methods = make(map[string]struct{}, len(r.Methods))
			for _, m := range r.Methods {
				cr.methods[strings.ToUpper(m)] = struct{}{}
			}
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// MustNewClassifier is like NewClassifier but panics on invalid rules.
func MustNewClassifier(rules []Rule) *Classifier {
	c, err := NewClassifier(rules)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify returns the priority of the first rule matching the normalized path and method,
// or Low when nothing matches.
func (c *Classifier) Classify(path, method string) Priority {
	p, _ := c.ClassifyRule(path, method)
	return p
}

// ClassifyRule is like Classify but also returns the name of the matching rule, empty if none matched.
func (c *Classifier) ClassifyRule(path, method string) (Priority, string) {
	path = NormalizePath(path)
	method = strings.ToUpper(strings.TrimSpace(method))

	for _, r := range c.rules {
		if r.matches(path, method) {
			return r.Priority, r.Name
		}
	}
	return Low, ""
}

// NormalizePath strips the query string and API version prefix, lower-cases the path
// and trims trailing slashes.
func NormalizePath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if loc := apiVersionPrefix.FindStringIndex(path); loc != nil {
		path = "/" + path[loc[1]:]
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rule table of the form:
//
//	rules:
//	  - name: order-write
//	    pattern: ^/orders$
//	    methods: [POST]
//	    priority: critical
func LoadRules(r io.Reader) ([]Rule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f rulesFile
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "parsing priority rules")
	}
	if len(f.Rules) == 0 {
		return nil, errors.New("priority rules file contains no rules")
	}
	return f.Rules, nil
}
