package runner

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const leaseKey = "scheduler"

// Lease is a NATS KV entry that at most one scheduler instance holds at a
// time. The bucket TTL expires a lease whose holder stops renewing it.
type Lease struct {
	kv     nats.KeyValue
	owner  string
	logger *zap.Logger

	mu  sync.Mutex
	rev uint64
}

// NewLease opens or creates the lease bucket
func NewLease(js nats.JetStreamContext, logger *zap.Logger, bucket, owner string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, errors.New("lease ttl must be positive")
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			TTL:     ttl,
			History: 1,
			Storage: nats.FileStorage,
		})
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open lease bucket %s", bucket)
	}

	return &Lease{
		kv:     kv,
		owner:  owner,
		logger: logger.Named("lease"),
	}, nil
}

// Acquire takes or renews the lease. It returns false while another owner
// holds it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rev != 0 {
		rev, err := l.kv.Update(leaseKey, []byte(l.owner), l.rev)
		if err == nil {
			l.rev = rev
			return true, nil
		}
		l.logger.Warn("Lost scheduler lease", zap.String("owner", l.owner), zap.Error(err))
		l.rev = 0
	}

	rev, err := l.kv.Create(leaseKey, []byte(l.owner))
	if err == nil {
		l.rev = rev
		l.logger.Info("Acquired scheduler lease", zap.String("owner", l.owner))
		return true, nil
	}
	if !errors.Is(err, nats.ErrKeyExists) {
		return false, errors.Wrap(err, "failed to create lease")
	}

	// A restarted instance may still own the entry it wrote before.
	entry, err := l.kv.Get(leaseKey)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to read lease")
	}
	if string(entry.Value()) != l.owner {
		return false, nil
	}

	rev, err = l.kv.Update(leaseKey, []byte(l.owner), entry.Revision())
	if err != nil {
		return false, nil
	}
	l.rev = rev
	return true, nil
}

// Release gives the lease up if this instance holds it
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rev == 0 {
		return nil
	}
	err := l.kv.Delete(leaseKey, nats.LastRevision(l.rev))
	l.rev = 0
	if err != nil {
		return errors.Wrap(err, "failed to release lease")
	}
	l.logger.Info("Released scheduler lease", zap.String("owner", l.owner))
	return nil
}
