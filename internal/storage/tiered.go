package storage

import (
	"context"
	"errors"
)

// Tier names one of the two stores.
type Tier int

const (
	TierSmall Tier = iota
	TierBlob
)

func (t Tier) String() string {
	if t == TierBlob {
		return "blob"
	}
	return "small"
}

// SizePolicy picks the tier for a value of the given size.
type SizePolicy func(size int) Tier

// ThresholdPolicy sends values strictly larger than limit to the blob tier.
func ThresholdPolicy(limit int) SizePolicy {
	return func(size int) Tier {
		if size > limit {
			return TierBlob
		}
		return TierSmall
	}
}

// Tiered writes each record to exactly one of two stores chosen by Policy.
type Tiered struct {
	Small  Store
	Blob   Store
	Policy SizePolicy
}

// Save writes value to the tier chosen for size and removes any copy left in
// the other tier. The returned tier is the one written to.
func (t Tiered) Save(ctx context.Context, bucket, key string, value any, size int) (Tier, error) {
	tier := t.Policy(size)
	target, other := t.Small, t.Blob
	if tier == TierBlob {
		target, other = t.Blob, t.Small
	}
	if err := target.Put(ctx, bucket, key, value); err != nil {
		return tier, err
	}
	return tier, other.Delete(ctx, bucket, key)
}

// Load checks the blob tier first and falls back to the small tier. A blob
// read error is returned alongside whatever the small tier produced.
func (t Tiered) Load(ctx context.Context, bucket, key string, dst any) (bool, error) {
	found, blobErr := t.Blob.Get(ctx, bucket, key, dst)
	if blobErr == nil && found {
		return true, nil
	}
	found, err := t.Small.Get(ctx, bucket, key, dst)
	if err != nil {
		return false, errors.Join(blobErr, err)
	}
	return found, blobErr
}

// Remove deletes the record from both tiers.
func (t Tiered) Remove(ctx context.Context, bucket, key string) error {
	return errors.Join(
		t.Blob.Delete(ctx, bucket, key),
		t.Small.Delete(ctx, bucket, key),
	)
}
