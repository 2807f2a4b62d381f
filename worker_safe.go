package partbackup

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// goSafe runs fn in an errgroup goroutine and converts a panic into an
// error so a broken job ends in Failed instead of taking the process down.
// Jobs are never restarted: a duplicated partition must not be imaged twice.
//
// Panics are printed to stderr rather than through the structured logger,
// since the logger itself may be the cause.
func goSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, r, debug.Stack())
				err = errors.Errorf("%s panicked: %v", name, r)
			}
		}()
		return fn(ctx)
	})
}
