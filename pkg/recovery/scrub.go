package recovery

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/i5heu/raid6/pkg/layout"
	"github.com/i5heu/raid6/pkg/parity"
	"github.com/i5heu/raid6/pkg/raiderr"
)

// CheckResult is the outcome of a scrub.
//
// A failing stripe only says that the stored P or Q disagrees with the data;
// it cannot tell whether the data, P or Q is the corrupted block.
type CheckResult struct {
	Passed bool
	// Stripe is the lowest stripe whose parity mismatched. Only meaningful
	// when Passed is false.
	Stripe int
}

// Check recomputes P and Q of every stripe and compares them with the stored
// parity. It never writes.
func (e *Engine) Check(ctx context.Context) (CheckResult, error) {
	var (
		first int
		err   error
	)
	if e.scrubWorkers > 1 {
		first, err = e.checkParallel(ctx)
	} else {
		first, err = e.checkSequential(ctx)
	}
	if err != nil {
		return CheckResult{}, err
	}

	if first < 0 {
		e.log.WithField("stripes", e.layout.Stripes()).Info("Scrub passed")
		return CheckResult{Passed: true}, nil
	}
	e.log.WithFields(logrus.Fields{
		"stripes": e.layout.Stripes(),
		"stripe":  first,
	}).Warn("Scrub found parity mismatch")
	return CheckResult{Stripe: first}, nil
}

func (e *Engine) checkSequential(ctx context.Context) (int, error) {
	for s := 0; s < e.layout.Stripes(); s++ {
		ok, err := e.verifyStripe(ctx, s)
		if err != nil {
			return 0, err
		}
		if !ok {
			return s, nil
		}
	}
	return -1, nil
}

// checkParallel verifies stripes on scrubWorkers goroutines and still
// reports the lowest mismatching stripe: scheduling only stops once every
// stripe below the current minimum has been handed out.
func (e *Engine) checkParallel(ctx context.Context) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.scrubWorkers)

	var mu sync.Mutex
	first := -1
	for s := 0; s < e.layout.Stripes(); s++ {
		mu.Lock()
		done := first >= 0 && first < s
		mu.Unlock()
		if done {
			break
		}

		g.Go(func() error {
			ok, err := e.verifyStripe(gctx, s)
			if err != nil {
				return err
			}
			if !ok {
				mu.Lock()
				if first < 0 || s < first {
					first = s
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return first, nil
}

func (e *Engine) verifyStripe(ctx context.Context, stripe int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := e.readData(ctx, stripe)
	if err != nil {
		return false, err
	}
	for _, policy := range parity.Policies {
		stored, err := e.readParity(ctx, stripe, policy)
		if err != nil {
			return false, err
		}
		want, err := e.parity.Compute(policy, data)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(stored, want) {
			return false, nil
		}
	}
	return true, nil
}

// Classify maps a missing set onto the case that repairs it, using only the
// roles of the blocks. It applies the same shape checks as Recover.
func (e *Engine) Classify(missing []Address) (Case, error) {
	var data, par int
	for _, a := range missing {
		if err := e.layout.CheckBlock(a.Disk, a.Stripe); err != nil {
			return 0, fmt.Errorf("recovery: classify block %s: %w", a, err)
		}
		if e.layout.Role(a.Disk, a.Stripe) == layout.RoleData {
			data++
		} else {
			par++
		}
	}

	var c Case
	switch {
	case data == 1 && par == 0:
		c = SingleData
	case data == 0 && par == 1:
		c = SingleParity
	case data == 2 && par == 0:
		c = DoubleData
	case data == 0 && par == 2:
		c = DoubleParity
	case data == 1 && par == 1:
		c = DataAndParity
	default:
		return 0, fmt.Errorf("recovery: %d missing blocks cannot be repaired: %w", len(missing), raiderr.ErrRecoveryPrecondition)
	}
	if err := e.expect(c, missing, len(missing)); err != nil {
		return 0, err
	}
	return c, nil
}

// RebuildDisk reconstructs every block of disk, as after replacing a failed
// drive. Each stripe is repaired on its own with the disk's block as the only
// missing one.
func (e *Engine) RebuildDisk(ctx context.Context, disk int) error {
	if disk < 0 || disk >= e.layout.Disks() {
		return fmt.Errorf("recovery: rebuild disk %d outside [0,%d): %w", disk, e.layout.Disks(), raiderr.ErrLayout)
	}

	counts := map[Case]int{}
	for s := 0; s < e.layout.Stripes(); s++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		missing := []Address{{Disk: disk, Stripe: s}}
		c, err := e.Classify(missing)
		if err != nil {
			return err
		}
		if err := e.recover(ctx, missing, c); err != nil {
			return fmt.Errorf("recovery: rebuild disk %d: %w", disk, err)
		}
		counts[c]++
	}

	e.log.WithFields(logrus.Fields{
		"disk":         disk,
		"stripes":      e.layout.Stripes(),
		"dataBlocks":   counts[SingleData],
		"parityBlocks": counts[SingleParity],
	}).Info("Rebuilt disk")
	return nil
}
