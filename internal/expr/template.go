package expr

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/solaceflow/connector/internal/errkinds"
)

// holePattern matches a "{{ <encoding>://<inner-expression> }}" hole
// inside template text (spec.md §4.1). The encoding prefix is optional;
// a bare "{{ <inner-expression> }}" defaults to text encoding.
var holePattern = regexp.MustCompile(`\{\{\s*(?:([a-zA-Z0-9_/+:-]+)://)?(.*?)\s*\}\}`)

// evalTemplate resolves every hole in t.Text in declaration order and
// concatenates the results with the surrounding literal text, per
// spec.md §4.1 and invariant I7 (template round-trip).
func evalTemplate(ctx *EvalContext, t *TemplateExpr) (any, error) {
	var out strings.Builder
	lastEnd := 0

	matches := holePattern.FindAllStringSubmatchIndex(t.Text, -1)
	for _, m := range matches {
		holeStart, holeEnd := m[0], m[1]
		out.WriteString(t.Text[lastEnd:holeStart])
		lastEnd = holeEnd

		encoding := "text"
		if m[2] != -1 {
			encoding = t.Text[m[2]:m[3]]
		}
		innerText := strings.TrimSpace(t.Text[m[4]:m[5]])

		v, err := Eval(ctx, ParseExpression(innerText))
		if err != nil {
			return nil, err
		}

		rendered, err := renderHole(encoding, v)
		if err != nil {
			return nil, err
		}
		out.WriteString(rendered)
	}
	out.WriteString(t.Text[lastEnd:])
	return out.String(), nil
}

// renderHole encodes v per the hole's encoding tag: text, json, yaml,
// base64, or datauri:<mime>.
func renderHole(encoding string, v any) (string, error) {
	switch {
	case encoding == "text":
		return toDisplayString(v), nil

	case encoding == "json":
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("%w: template json encoding: %v", errkinds.ErrExpression, err)
		}
		return string(b), nil

	case encoding == "yaml":
		b, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("%w: template yaml encoding: %v", errkinds.ErrExpression, err)
		}
		return strings.TrimSuffix(string(b), "\n"), nil

	case encoding == "base64":
		return base64.StdEncoding.EncodeToString([]byte(toDisplayString(v))), nil

	case strings.HasPrefix(encoding, "datauri:"):
		mime := strings.TrimPrefix(encoding, "datauri:")
		payload := base64.StdEncoding.EncodeToString([]byte(toDisplayString(v)))
		return fmt.Sprintf("data:%s;base64,%s", mime, payload), nil

	default:
		return "", fmt.Errorf("%w: unknown template hole encoding %q", errkinds.ErrExpression, encoding)
	}
}
