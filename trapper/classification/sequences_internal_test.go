package classification

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSplitByGap(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	member := func(offset time.Duration) sequenceMember {
		return sequenceMember{ResourceId: uuid.New(), DateRecorded: t0.Add(offset)}
	}

	a, b, c, d, e := member(0), member(time.Minute), member(20*time.Minute), member(22*time.Minute), member(time.Hour)

	groups := splitByGap([]sequenceMember{e, c, a, d, b}, 5*time.Minute)
	assert.Len(t, groups, 2)
	assert.Equal(t, []uuid.UUID{a.ResourceId, b.ResourceId}, []uuid.UUID{groups[0][0].ResourceId, groups[0][1].ResourceId})
	assert.Equal(t, []uuid.UUID{c.ResourceId, d.ResourceId}, []uuid.UUID{groups[1][0].ResourceId, groups[1][1].ResourceId})

	assert.Len(t, splitByGap([]sequenceMember{a, e}, 5*time.Minute), 0)
	assert.Len(t, splitByGap([]sequenceMember{a, b, c, d, e}, 2*time.Hour), 1)
	assert.Len(t, splitByGap(nil, time.Minute), 0)
}
