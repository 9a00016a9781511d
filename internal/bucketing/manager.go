package bucketing

import (
	"hash"
	"sync"

	"identity-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps entity ids onto fixed partitions. Scylla tables are
// partitioned by entity bucket, and the striped locker serialises on lock
// stripes.
type BucketingManager struct {
	entityBuckets int
	lockStripes   int
	hasherPool    sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return New(cfg.Bucketing.EntityBuckets, cfg.Bucketing.LockStripes)
}

func New(entityBuckets, lockStripes int) *BucketingManager {
	if entityBuckets <= 0 {
		entityBuckets = 1
	}
	if lockStripes <= 0 {
		lockStripes = 1
	}
	bm := &BucketingManager{
		entityBuckets: entityBuckets,
		lockStripes:   lockStripes,
	}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// EntityBucket returns the partition bucket for an entity id (0 to entityBuckets-1).
func (bm *BucketingManager) EntityBucket(id string) int {
	return bm.getBucket(id, bm.entityBuckets)
}

// LockStripe returns the mutex stripe a lock key falls on.
func (bm *BucketingManager) LockStripe(key string) int {
	return bm.getBucket(key, bm.lockStripes)
}

func (bm *BucketingManager) EntityBuckets() int {
	return bm.entityBuckets
}

func (bm *BucketingManager) LockStripes() int {
	return bm.lockStripes
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
