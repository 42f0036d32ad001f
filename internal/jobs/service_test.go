package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollUp(t *testing.T) {
	began := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	laterBegan := began.Add(time.Minute)
	ended := began.Add(5 * time.Minute)
	laterEnded := began.Add(10 * time.Minute)

	t.Run("all ended rolls up to highest status", func(t *testing.T) {
		children := []Job{
			{Status: StatusSuccess, Began: &began, Ended: &ended},
			{Status: StatusFailure, Began: &laterBegan, Ended: &laterEnded},
		}

		patch := rollUp(children)
		require.NotNil(t, patch.Status)
		assert.Equal(t, StatusFailure, *patch.Status)
		require.NotNil(t, patch.Began)
		assert.Equal(t, began, *patch.Began)
		require.NotNil(t, patch.Ended)
		assert.Equal(t, laterEnded, *patch.Ended)
		require.NotNil(t, patch.Runtime)
		assert.InDelta(t, 600, *patch.Runtime, 0.001)
	})

	t.Run("all success rolls up to success", func(t *testing.T) {
		children := []Job{
			{Status: StatusSuccess, Began: &began, Ended: &ended},
			{Status: StatusSuccess, Began: &began, Ended: &ended},
		}

		patch := rollUp(children)
		require.NotNil(t, patch.Status)
		assert.Equal(t, StatusSuccess, *patch.Status)
	})

	t.Run("running child keeps the parent running", func(t *testing.T) {
		children := []Job{
			{Status: StatusSuccess, Began: &began, Ended: &ended},
			{Status: StatusRunning, Began: &laterBegan},
		}

		patch := rollUp(children)
		require.NotNil(t, patch.Status)
		assert.Equal(t, StatusRunning, *patch.Status)
		assert.Nil(t, patch.Ended)
		assert.Nil(t, patch.Runtime)
	})

	t.Run("no progress yet reports dispatched", func(t *testing.T) {
		children := []Job{
			{Status: StatusDispatched},
			{Status: StatusWaiting},
		}

		patch := rollUp(children)
		require.NotNil(t, patch.Status)
		assert.Equal(t, StatusDispatched, *patch.Status)
		assert.Nil(t, patch.Began)
	})

	t.Run("no children yields no terminal status", func(t *testing.T) {
		patch := rollUp(nil)
		require.NotNil(t, patch.Status)
		assert.Equal(t, StatusDispatched, *patch.Status)
	})
}

func TestMergeParams(t *testing.T) {
	t.Run("merges result under previous key", func(t *testing.T) {
		params := types.JSONText(`{"path":"data.csv"}`)
		result := types.JSONText(`{"files":{"data.csv":{"size":12}}}`)

		merged, err := mergeParams(params, result)
		require.NoError(t, err)

		var out map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(merged, &out))
		assert.JSONEq(t, `"data.csv"`, string(out["path"]))
		assert.JSONEq(t, string(result), string(out["previous"]))
	})

	t.Run("nil params become a fresh object", func(t *testing.T) {
		merged, err := mergeParams(nil, types.JSONText(`42`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"previous":42}`, string(merged))
	})

	t.Run("previous key is overwritten", func(t *testing.T) {
		params := types.JSONText(`{"previous":1}`)
		merged, err := mergeParams(params, types.JSONText(`2`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"previous":2}`, string(merged))
	})

	t.Run("non object params error", func(t *testing.T) {
		_, err := mergeParams(types.JSONText(`[1,2]`), types.JSONText(`2`))
		assert.Error(t, err)
	})
}
