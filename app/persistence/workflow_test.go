package persistence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowName(t *testing.T) {
	tbl := []struct {
		workflow string
		want     string
	}{
		{`{"name":"top"}`, "top"},
		{`{"name":"top","workflow":{"name":"nested"}}`, "nested"},
		{`{"name":"top","workflow":{"nodes":[]}}`, ""},
		{`{"name":"top","workflow":"not an object"}`, "top"},
		{`{"name":42}`, ""},
		{`{}`, ""},
		{`[1,2]`, ""},
		{`garbage`, ""},
	}

	for _, tt := range tbl {
		t.Run(tt.workflow, func(t *testing.T) {
			assert.Equal(t, tt.want, WorkflowName(tt.workflow))
		})
	}
}

func TestSetWorkflowName(t *testing.T) {
	t.Run("top level", func(t *testing.T) {
		res, err := SetWorkflowName(`{"1":{"class_type":"A"}}`, "renamed")
		require.NoError(t, err)
		assert.Equal(t, "renamed", WorkflowName(res))

		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(res), &m))
		assert.JSONEq(t, `{"class_type":"A"}`, string(m["1"]))
	})

	t.Run("nested", func(t *testing.T) {
		res, err := SetWorkflowName(`{"name":"keep","workflow":{"name":"old","links":[1]}}`, "renamed")
		require.NoError(t, err)
		assert.Equal(t, "renamed", WorkflowName(res))
		assert.JSONEq(t, `{"name":"keep","workflow":{"name":"renamed","links":[1]}}`, res)
	})

	t.Run("null workflow", func(t *testing.T) {
		res, err := SetWorkflowName(`null`, "x")
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"x"}`, res)
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := SetWorkflowName(`[1]`, "x")
		assert.Error(t, err)
	})
}
