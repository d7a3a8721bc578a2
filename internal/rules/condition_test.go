package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		actual  interface{}
		present bool
		operand interface{}
		want    bool
		wantErr bool
	}{
		{name: "eq numbers across types", op: OpEq, actual: 5.0, present: true, operand: 5, want: true},
		{name: "eq strings", op: OpEq, actual: "v1", present: true, operand: "v1", want: true},
		{name: "eq bool", op: OpEq, actual: true, present: true, operand: true, want: true},
		{name: "ne", op: OpNe, actual: 2.0, present: true, operand: 2, want: false},
		{name: "gt", op: OpGt, actual: 5.0, present: true, operand: 3, want: true},
		{name: "gt equal", op: OpGt, actual: 3.0, present: true, operand: 3, want: false},
		{name: "gte", op: OpGte, actual: 3.0, present: true, operand: 3, want: true},
		{name: "lt json number", op: OpLt, actual: json.Number("1"), present: true, operand: 3, want: true},
		{name: "lte", op: OpLte, actual: 4.0, present: true, operand: 3, want: false},
		{name: "gt non numeric", op: OpGt, actual: "five", present: true, operand: 3, wantErr: true},
		{name: "contains substring", op: OpContains, actual: "Cisco IOS 15.2", present: true, operand: "IOS", want: true},
		{name: "contains list", op: OpContains, actual: []interface{}{"telnet", "ssh"}, present: true, operand: "telnet", want: true},
		{name: "contains list numbers", op: OpContains, actual: []interface{}{1.0, 2.0}, present: true, operand: 2, want: true},
		{name: "contains bad fact", op: OpContains, actual: 4.0, present: true, operand: "x", wantErr: true},
		{name: "in", op: OpIn, actual: "public", present: true, operand: []interface{}{"public", "private"}, want: true},
		{name: "not in", op: OpIn, actual: "s3cret", present: true, operand: []interface{}{"public", "private"}, want: false},
		{name: "exists", op: OpExists, present: true, want: true},
		{name: "exists missing", op: OpExists, present: false, want: false},
		{name: "exists false", op: OpExists, present: false, operand: false, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := compare(tt.op, tt.actual, tt.present, tt.operand)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func parseCondition(t *testing.T, src string) Condition {
	t.Helper()
	var c Condition
	require.NoError(t, yaml.Unmarshal([]byte(src), &c))
	return c
}

func TestCondition_EvalTree(t *testing.T) {
	cond := parseCondition(t, `
any_of:
  - all_of:
      - {fact: security.telnet_enabled, op: eq, value: true}
      - not: {fact: security.ssh_version, op: eq, value: 2}
  - {fact: security.snmp_default_community, op: eq, value: true}
`)
	require.NoError(t, cond.validate("fail_when", nil))

	tests := []struct {
		name  string
		facts map[string]interface{}
		want  bool
	}{
		{
			name:  "telnet and ssh v1",
			facts: map[string]interface{}{"security.telnet_enabled": true, "security.ssh_version": 1.0, "security.snmp_default_community": false},
			want:  true,
		},
		{
			name:  "telnet but ssh v2",
			facts: map[string]interface{}{"security.telnet_enabled": true, "security.ssh_version": 2.0, "security.snmp_default_community": false},
			want:  false,
		},
		{
			name:  "default community",
			facts: map[string]interface{}{"security.telnet_enabled": false, "security.ssh_version": 2.0, "security.snmp_default_community": true},
			want:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tr trace
			got, err := cond.eval(tt.facts, nil, &tr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if got {
				assert.NotEmpty(t, tr)
			}
		})
	}
}

func TestCondition_Validate(t *testing.T) {
	params := map[string]interface{}{"threshold": 3, "communities": []interface{}{"public"}}

	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{name: "leaf with value", src: `{fact: a, op: gt, value: 1}`},
		{name: "leaf with param", src: `{fact: a, op: gt, param: threshold}`},
		{name: "in with list param", src: `{fact: a, op: in, param: communities}`},
		{name: "unknown op", src: `{fact: a, op: matches, value: x}`, wantErr: "fail_when.op"},
		{name: "missing fact", src: `{op: eq, value: 1}`, wantErr: "fail_when.fact"},
		{name: "missing operand", src: `{fact: a, op: eq}`, wantErr: "fail_when.value"},
		{name: "undefined param", src: `{fact: a, op: gt, param: nope}`, wantErr: "fail_when.param"},
		{name: "in with scalar", src: `{fact: a, op: in, value: 1}`, wantErr: "in requires a list"},
		{name: "two kinds", src: `{fact: a, op: exists, not: {fact: b, op: exists}}`, wantErr: "exactly one"},
		{name: "nested error path", src: `{all_of: [{fact: a, op: exists}, {fact: b, op: bogus}]}`, wantErr: "fail_when.all_of[1].op"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := parseCondition(t, tt.src)
			err := c.validate("fail_when", params)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRule_Required(t *testing.T) {
	rule := Rule{Spec: RuleSpec{
		RequiredFacts: []string{"zeta", "alpha"},
		FailWhen: parseCondition(t, `
any_of:
  - {fact: beta, op: gt, value: 1}
  - {fact: optional, op: exists}
  - not: {fact: alpha, op: eq, value: 0}
`),
	}}
	assert.Equal(t, []string{"alpha", "beta", "zeta"}, rule.Required())
}

func TestCondition_String(t *testing.T) {
	c := parseCondition(t, `{all_of: [{fact: a, op: gt, param: max}, {not: {fact: b, op: eq, value: "x"}}]}`)
	assert.Equal(t, `all_of(a gt $max, not(b eq "x"))`, c.String())
}
