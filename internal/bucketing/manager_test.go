package bucketing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucketsAreStableAndInRange(t *testing.T) {
	bm := New(16, 8)
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("identity-%d", i)
		b := bm.EntityBucket(id)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, bm.EntityBucket(id))

		s := bm.LockStripe(id)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 8)
	}
}

func TestNonPositiveCountsFallBackToOne(t *testing.T) {
	bm := New(0, -1)
	assert.Equal(t, 1, bm.EntityBuckets())
	assert.Equal(t, 1, bm.LockStripes())
	assert.Equal(t, 0, bm.EntityBucket("anything"))
}
