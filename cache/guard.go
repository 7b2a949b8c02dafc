package cache

import (
	"context"
	"fmt"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/storage/kv"
	"github.com/jrife/plover/utils/log"
	"github.com/jrife/plover/utils/uuid"
	"go.uber.org/zap"
)

const (
	// GuardPartition is the metadata partition holding
	// the ledger of applied side effects
	GuardPartition uint32 = 0
)

// GuardConfig configures a Guard
type GuardConfig struct {
	// Ledger records every applied side effect
	Ledger kv.Partition
	Logger *zap.Logger
}

// Guard makes sure each side effect is applied once per logical
// invocation. Effects are identified by invocation id and effect
// name and recorded in a ledger shared by the whole cluster, so a
// processor that runs again for the same invocation, on a backup
// or after a retry, never repeats an effect.
type Guard struct {
	ledger kv.Partition
	locks  *cluster.LockMap
	logger *zap.Logger
}

// NewGuard creates a Guard
func NewGuard(config GuardConfig) *Guard {
	if config.Logger == nil {
		config.Logger = zap.L()
	}

	return &Guard{
		ledger: config.Ledger,
		locks:  cluster.NewLockMap(),
		logger: config.Logger,
	}
}

// EffectID returns the ledger id of an effect
func EffectID(invocationID string, name string) string {
	return invocationID + "/" + name
}

// Registered reports whether the effect was already applied
func (guard *Guard) Registered(effectID string) (bool, error) {
	entry, err := guard.ledger.Read([]byte(effectID))

	if err != nil {
		return false, fmt.Errorf("could not read ledger: %s", err)
	}

	return entry.Exists, nil
}

// RegisterIfAbsent records effectID in the ledger. It returns
// true if this call recorded it and false if it was already
// there. Registering twice is never an error.
func (guard *Guard) RegisterIfAbsent(effectID string) (bool, error) {
	_, err := guard.ledger.Write(kv.Write{Key: []byte(effectID), Value: []byte{}})

	switch err {
	case nil:
		return true, nil
	case kv.ErrConflict:
		return false, nil
	}

	return false, fmt.Errorf("could not write ledger: %s", err)
}

// run applies every effect not yet applied for this invocation.
// Checking, applying and recording an effect happen while holding
// the effect's lock so concurrent executions of one invocation
// cannot both apply it. The first failing effect stops Apply and
// is returned as a *SideEffectError.
func (guard *Guard) run(ctx context.Context, invocationID string, effects []effect) error {
	if len(effects) == 0 {
		return nil
	}

	logger := log.WithContext(ctx, guard.logger).With(zap.String("operation", "run"), zap.String("invocation", invocationID))
	owner := uuid.MustUUID()

	for _, effect := range effects {
		if err := guard.apply(ctx, logger, owner, EffectID(invocationID, effect.name), effect); err != nil {
			return err
		}
	}

	return nil
}

func (guard *Guard) apply(ctx context.Context, logger *zap.Logger, owner string, id string, effect effect) error {
	if err := guard.locks.Lock(ctx, id, owner); err != nil {
		return &SideEffectError{Effect: effect.name, cause: err}
	}

	defer guard.locks.Unlock(id, owner)

	registered, err := guard.Registered(id)

	if err != nil {
		return &SideEffectError{Effect: effect.name, cause: err}
	}

	if registered {
		logger.Debug("effect already applied", zap.String("effect", id))

		return nil
	}

	if err := effect.apply(); err != nil {
		logger.Debug("effect failed", zap.String("effect", id), zap.Error(err))

		return &SideEffectError{Effect: effect.name, cause: err}
	}

	if _, err := guard.RegisterIfAbsent(id); err != nil {
		return &SideEffectError{Effect: effect.name, cause: err}
	}

	logger.Debug("effect applied", zap.String("effect", id))

	return nil
}
