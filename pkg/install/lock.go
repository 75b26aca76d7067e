package install

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/juju/fslock"

	"github.com/OpenChatGit/polypkg/pkg/errors"
)

const lockPollInterval = 100 * time.Millisecond

// withLock runs fn while holding an exclusive lock on path, so two
// processes never install into the same directory at once. The lock is
// released when fn returns or the process exits.
func withLock(ctx context.Context, path string, logger *log.Logger, fn func() error) error {
	lock := fslock.New(path)
	if err := lock.TryLock(); stderrors.Is(err, fslock.ErrLocked) {
		logger.Info("waiting for install lock", "file", path)
		if err := waitForLock(ctx, lock); err != nil {
			return err
		}
	} else if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "lock %s", path)
	}

	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release install lock", "file", path, "err", err)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

// waitForLock polls because fslock has no context-aware wait.
func waitForLock(ctx context.Context, lock *fslock.Lock) error {
	for {
		err := lock.TryLock()
		if err == nil {
			return nil
		}
		if !stderrors.Is(err, fslock.ErrLocked) {
			return errors.Wrap(errors.ErrCodeInternal, err, "lock")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
