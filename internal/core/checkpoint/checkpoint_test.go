package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	cp := New("run-1", "sink", 4, map[string][]float64{"total": {1}}, Metadata{Source: SourceRunEnd})
	require.NoError(t, cp.Validate())
	assert.NotEmpty(t, cp.ID)
	assert.NotEqual(t, cp.ID, New("run-1", "sink", 4, nil, Metadata{}).ID)
	assert.Equal(t, CurrentVersion, cp.Version)
	assert.Equal(t, time.UTC, cp.Timestamp.Location())
}

func TestValidate(t *testing.T) {
	valid := func() *Checkpoint {
		return New("run-1", "sink", 1, map[string][]float64{}, Metadata{})
	}
	tests := []struct {
		name   string
		mutate func(c *Checkpoint)
		want   error
	}{
		{"empty id", func(c *Checkpoint) { c.ID = "" }, ErrInvalidCheckpointID},
		{"empty run", func(c *Checkpoint) { c.RunID = "" }, ErrInvalidRunID},
		{"empty process", func(c *Checkpoint) { c.Process = "" }, ErrInvalidProcess},
		{"negative timestep", func(c *Checkpoint) { c.Timestep = -1 }, ErrInvalidTimestep},
		{"nil vars", func(c *Checkpoint) { c.Vars = nil }, ErrNilVars},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), tt.want)
		})
	}
}

func TestFilter(t *testing.T) {
	now := time.Now()
	earlier, later := now.Add(-time.Minute), now.Add(time.Minute)
	cp := &Checkpoint{RunID: "r", Process: "p", Timestamp: now, Metadata: Metadata{Tags: []string{"a", "b"}}}

	t.Run("Validate", func(t *testing.T) {
		assert.ErrorIs(t, (&Filter{Limit: -1}).Validate(), ErrInvalidLimit)
		assert.ErrorIs(t, (&Filter{Offset: -1}).Validate(), ErrInvalidOffset)
		assert.ErrorIs(t, (&Filter{Since: &later, Before: &earlier}).Validate(), ErrInvalidTimeRange)
		assert.NoError(t, (&Filter{Since: &earlier, Before: &later}).Validate())
	})

	t.Run("Matches", func(t *testing.T) {
		tests := []struct {
			name   string
			filter Filter
			want   bool
		}{
			{"empty", Filter{}, true},
			{"run", Filter{RunID: "r", Process: "p"}, true},
			{"other run", Filter{RunID: "x"}, false},
			{"other process", Filter{Process: "x"}, false},
			{"since is inclusive", Filter{Since: &now}, true},
			{"before is exclusive", Filter{Before: &now}, false},
			{"window", Filter{Since: &earlier, Before: &later}, true},
			{"tag subset", Filter{Tags: []string{"b"}}, true},
			{"missing tag", Filter{Tags: []string{"a", "c"}}, false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, tt.filter.Matches(cp))
			})
		}
	})
}
