package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"goa.design/agentrt/policy"
)

func TestEngineAllowTags(t *testing.T) {
	e := policy.New(policy.Options{AllowTags: []string{"safe"}})
	out := e.Filter([]policy.ToolMetadata{
		{Name: "read_file", Tags: []string{"safe"}},
		{Name: "delete_file", Tags: []string{"dangerous"}},
	})
	assert.Len(t, out, 1)
	assert.Equal(t, "read_file", out[0].Name)
}

func TestEngineBlockToolsTakesPrecedence(t *testing.T) {
	e := policy.New(policy.Options{AllowTools: []string{"read_file"}, BlockTools: []string{"read_file"}})
	out := e.Filter([]policy.ToolMetadata{{Name: "read_file"}})
	assert.Empty(t, out)
}

func TestEngineNoFiltersAllowsEverything(t *testing.T) {
	e := policy.New(policy.Options{})
	out := e.Filter([]policy.ToolMetadata{{Name: "a"}, {Name: "b"}})
	assert.Len(t, out, 2)
}
