// Package recovery rebuilds lost blocks of a RAID-6 stripe and scrubs the
// array for parity mismatches.
//
// The caller declares which blocks are missing and which failure case they
// form; the engine validates that declaration against the stripe layout,
// computes every replacement block into scratch buffers and only then writes
// them back. A rejected declaration writes nothing.
package recovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/raid6/pkg/blockstore"
	"github.com/i5heu/raid6/pkg/layout"
	"github.com/i5heu/raid6/pkg/parity"
	"github.com/i5heu/raid6/pkg/raiderr"
)

// Address names one physical block.
type Address struct {
	Disk   int
	Stripe int
}

func (a Address) String() string {
	return fmt.Sprintf("%d:%d", a.Disk, a.Stripe)
}

// ParseAddress parses the "disk:stripe" form produced by Address.String.
func ParseAddress(s string) (Address, error) {
	disk, stripe, ok := strings.Cut(s, ":")
	if !ok {
		return Address{}, fmt.Errorf("recovery: address %q is not disk:stripe", s)
	}
	d, err := strconv.Atoi(disk)
	if err != nil {
		return Address{}, fmt.Errorf("recovery: address %q: %w", s, err)
	}
	st, err := strconv.Atoi(stripe)
	if err != nil {
		return Address{}, fmt.Errorf("recovery: address %q: %w", s, err)
	}
	return Address{Disk: d, Stripe: st}, nil
}

// Case is a failure pattern within one stripe.
type Case uint8

const (
	// SingleData: one data block lost.
	SingleData Case = iota
	// SingleParity: P or Q lost.
	SingleParity
	// DoubleData: two data blocks lost.
	DoubleData
	// DoubleParity: both P and Q lost.
	DoubleParity
	// DataAndParity: one data block and one of P or Q lost.
	DataAndParity
)

var caseNames = map[Case]string{
	SingleData:    "single-data",
	SingleParity:  "single-parity",
	DoubleData:    "double-data",
	DoubleParity:  "double-parity",
	DataAndParity: "data-and-parity",
}

func (c Case) String() string {
	if name, ok := caseNames[c]; ok {
		return name
	}
	return fmt.Sprintf("case(%d)", uint8(c))
}

// ParseCase accepts the names produced by Case.String.
func ParseCase(s string) (Case, error) {
	for c, name := range caseNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("recovery: unknown case %q", s)
}

// Options tunes an Engine.
type Options struct {
	Logger *logrus.Logger
	// ScrubWorkers is the number of stripes Check verifies concurrently.
	// Values below 2 scrub sequentially.
	ScrubWorkers int
}

// Engine runs the reconstruction cases against a BlockStore.
type Engine struct {
	store        blockstore.BlockStore
	layout       *layout.Layout
	parity       *parity.Engine
	log          *logrus.Logger
	scrubWorkers int
}

// NewEngine wires an Engine to its collaborators.
func NewEngine(store blockstore.BlockStore, l *layout.Layout, p *parity.Engine, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Engine{
		store:        store,
		layout:       l,
		parity:       p,
		log:          opts.Logger,
		scrubWorkers: opts.ScrubWorkers,
	}
}

// Recover rebuilds the missing blocks according to the declared case.
func (e *Engine) Recover(ctx context.Context, missing []Address, c Case) error {
	if err := e.recover(ctx, missing, c); err != nil {
		e.log.WithFields(logrus.Fields{
			"case":    c.String(),
			"missing": fmt.Sprint(missing),
		}).Warnf("Recovery failed: %v", err)
		return err
	}
	e.log.WithFields(logrus.Fields{
		"case":    c.String(),
		"stripe":  missing[0].Stripe,
		"missing": fmt.Sprint(missing),
	}).Info("Recovered stripe")
	return nil
}

func (e *Engine) recover(ctx context.Context, missing []Address, c Case) error {
	switch c {
	case SingleData:
		if err := e.expect(c, missing, 1); err != nil {
			return err
		}
		return e.singleData(ctx, missing[0])
	case SingleParity:
		if err := e.expect(c, missing, 1); err != nil {
			return err
		}
		return e.singleParity(ctx, missing[0])
	case DoubleData:
		if err := e.expect(c, missing, 2); err != nil {
			return err
		}
		return e.doubleData(ctx, missing[0], missing[1])
	case DoubleParity:
		if err := e.expect(c, missing, 2); err != nil {
			return err
		}
		return e.doubleParity(ctx, missing[0], missing[1])
	case DataAndParity:
		if err := e.expect(c, missing, 2); err != nil {
			return err
		}
		return e.dataAndParity(ctx, missing[0], missing[1])
	default:
		return fmt.Errorf("recovery: unknown %s: %w", c, raiderr.ErrRecoveryPrecondition)
	}
}

func preconditionError(c Case, stripe int, format string, args ...any) error {
	return fmt.Errorf("recovery: %s stripe %d: %s: %w", c, stripe, fmt.Sprintf(format, args...), raiderr.ErrRecoveryPrecondition)
}

// expect checks the shape every case shares: count, range, same stripe,
// distinct disks.
func (e *Engine) expect(c Case, missing []Address, count int) error {
	if len(missing) != count {
		return fmt.Errorf("recovery: %s needs %d missing blocks, got %d: %w", c, count, len(missing), raiderr.ErrRecoveryPrecondition)
	}
	for _, a := range missing {
		if err := e.layout.CheckBlock(a.Disk, a.Stripe); err != nil {
			return fmt.Errorf("recovery: %s block %s: %w", c, a, err)
		}
	}
	if count == 2 {
		a, b := missing[0], missing[1]
		if a.Stripe != b.Stripe {
			return preconditionError(c, a.Stripe, "block %s is in stripe %d", b, b.Stripe)
		}
		if a.Disk == b.Disk {
			return preconditionError(c, a.Stripe, "disk %d listed twice", a.Disk)
		}
	}
	return nil
}

func (e *Engine) readBlock(ctx context.Context, disk, stripe int) ([]byte, error) {
	return e.store.Read(ctx, disk, stripe, 0, e.layout.BlockSize())
}

func (e *Engine) readParity(ctx context.Context, stripe int, policy parity.Policy) ([]byte, error) {
	return e.readBlock(ctx, e.layout.ParityDisk(stripe, policy), stripe)
}

// readData returns the data blocks of stripe by ordinal. Disks listed in
// skip are not read and appear as zero blocks.
func (e *Engine) readData(ctx context.Context, stripe int, skip ...int) ([][]byte, error) {
	disks := e.layout.DataDisks(stripe)
	out := make([][]byte, len(disks))
outer:
	for i, d := range disks {
		for _, s := range skip {
			if s == d {
				out[i] = make([]byte, e.layout.BlockSize())
				continue outer
			}
		}
		b, err := e.readBlock(ctx, d, stripe)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

type blockWrite struct {
	disk int
	data []byte
}

func (e *Engine) writeBack(ctx context.Context, stripe int, writes ...blockWrite) error {
	for _, w := range writes {
		if err := e.store.Write(ctx, w.disk, stripe, 0, w.data); err != nil {
			return fmt.Errorf("recovery: write back disk %d stripe %d: %w", w.disk, stripe, err)
		}
	}
	return nil
}

func (e *Engine) requireRole(c Case, a Address, roles ...layout.Role) (layout.Role, error) {
	got := e.layout.Role(a.Disk, a.Stripe)
	for _, r := range roles {
		if r == got {
			return got, nil
		}
	}
	return got, preconditionError(c, a.Stripe, "disk %d holds %s", a.Disk, got)
}

func (e *Engine) policyOf(r layout.Role) parity.Policy {
	if r == layout.RoleQ {
		return parity.ReedSolomon
	}
	return parity.XOR
}

// singleData: D = P ^ XOR(surviving data).
func (e *Engine) singleData(ctx context.Context, a Address) error {
	if _, err := e.requireRole(SingleData, a, layout.RoleData); err != nil {
		return err
	}
	data, err := e.readData(ctx, a.Stripe, a.Disk)
	if err != nil {
		return err
	}
	rebuilt, err := e.rebuildFromP(ctx, a.Stripe, data)
	if err != nil {
		return err
	}
	return e.writeBack(ctx, a.Stripe, blockWrite{a.Disk, rebuilt})
}

// rebuildFromP XORs P into data, whose missing slot is zero.
func (e *Engine) rebuildFromP(ctx context.Context, stripe int, data [][]byte) ([]byte, error) {
	p, err := e.readParity(ctx, stripe, parity.XOR)
	if err != nil {
		return nil, err
	}
	blocks := make([][]byte, 0, len(data)+1)
	blocks = append(blocks, data...)
	return e.parity.Compute(parity.XOR, append(blocks, p))
}

// singleParity recomputes the lost parity from intact data.
func (e *Engine) singleParity(ctx context.Context, a Address) error {
	role, err := e.requireRole(SingleParity, a, layout.RoleP, layout.RoleQ)
	if err != nil {
		return err
	}
	data, err := e.readData(ctx, a.Stripe)
	if err != nil {
		return err
	}
	rebuilt, err := e.parity.Compute(e.policyOf(role), data)
	if err != nil {
		return err
	}
	return e.writeBack(ctx, a.Stripe, blockWrite{a.Disk, rebuilt})
}

// doubleData solves
//
//	P ^ Pxy = Dx ^ Dy
//	Q ^ Qxy = g^x Dx ^ g^y Dy
//
// for the data blocks at ordinals x and y.
func (e *Engine) doubleData(ctx context.Context, a, b Address) error {
	for _, m := range []Address{a, b} {
		if _, err := e.requireRole(DoubleData, m, layout.RoleData); err != nil {
			return err
		}
	}
	stripe := a.Stripe
	x, err := e.layout.DataOrdinal(a.Disk, stripe)
	if err != nil {
		return err
	}
	y, err := e.layout.DataOrdinal(b.Disk, stripe)
	if err != nil {
		return err
	}

	data, err := e.readData(ctx, stripe, a.Disk, b.Disk)
	if err != nil {
		return err
	}
	pDiff, err := e.readParity(ctx, stripe, parity.XOR)
	if err != nil {
		return err
	}
	qDiff, err := e.readParity(ctx, stripe, parity.ReedSolomon)
	if err != nil {
		return err
	}
	pxy, err := e.parity.Compute(parity.XOR, data)
	if err != nil {
		return err
	}
	qxy, err := e.parity.Compute(parity.ReedSolomon, data)
	if err != nil {
		return err
	}

	f := e.parity.Field()
	f.XorInto(pDiff, pxy)
	f.XorInto(qDiff, qxy)

	gyx := f.Power(y - x)
	denom := f.Inverse(gyx ^ 1)
	coefA := f.Multiply(denom, gyx)
	coefB := f.Multiply(denom, f.Power(-x))

	dx := f.ScaleBlock(pDiff, coefA)
	f.MulAddInto(dx, qDiff, coefB)
	dy := f.XorBlock(pDiff, dx)

	return e.writeBack(ctx, stripe, blockWrite{a.Disk, dx}, blockWrite{b.Disk, dy})
}

// doubleParity recomputes both P and Q from intact data.
func (e *Engine) doubleParity(ctx context.Context, a, b Address) error {
	ra, err := e.requireRole(DoubleParity, a, layout.RoleP, layout.RoleQ)
	if err != nil {
		return err
	}
	if _, err := e.requireRole(DoubleParity, b, layout.RoleP, layout.RoleQ); err != nil {
		return err
	}
	if ra == layout.RoleQ {
		a, b = b, a
	}

	data, err := e.readData(ctx, a.Stripe)
	if err != nil {
		return err
	}
	p, err := e.parity.Compute(parity.XOR, data)
	if err != nil {
		return err
	}
	q, err := e.parity.Compute(parity.ReedSolomon, data)
	if err != nil {
		return err
	}
	return e.writeBack(ctx, a.Stripe, blockWrite{a.Disk, p}, blockWrite{b.Disk, q})
}

// dataAndParity rebuilds the data block from whichever parity survived, then
// recomputes the lost parity from the completed stripe.
func (e *Engine) dataAndParity(ctx context.Context, a, b Address) error {
	if e.layout.Role(a.Disk, a.Stripe) != layout.RoleData {
		a, b = b, a
	}
	if _, err := e.requireRole(DataAndParity, a, layout.RoleData); err != nil {
		return err
	}
	lost, err := e.requireRole(DataAndParity, b, layout.RoleP, layout.RoleQ)
	if err != nil {
		return err
	}
	stripe := a.Stripe
	ord, err := e.layout.DataOrdinal(a.Disk, stripe)
	if err != nil {
		return err
	}

	data, err := e.readData(ctx, stripe, a.Disk)
	if err != nil {
		return err
	}
	var rebuilt []byte
	if lost == layout.RoleQ {
		rebuilt, err = e.rebuildFromP(ctx, stripe, data)
	} else {
		rebuilt, err = e.rebuildFromQ(ctx, stripe, ord, data)
	}
	if err != nil {
		return err
	}

	data[ord] = rebuilt
	lostParity, err := e.parity.Compute(e.policyOf(lost), data)
	if err != nil {
		return err
	}
	return e.writeBack(ctx, stripe, blockWrite{a.Disk, rebuilt}, blockWrite{b.Disk, lostParity})
}

// rebuildFromQ: D = g^-ord * (Q ^ Q'), where Q' is computed over data with
// the missing slot zeroed.
func (e *Engine) rebuildFromQ(ctx context.Context, stripe, ord int, data [][]byte) ([]byte, error) {
	q, err := e.readParity(ctx, stripe, parity.ReedSolomon)
	if err != nil {
		return nil, err
	}
	partial, err := e.parity.Compute(parity.ReedSolomon, data)
	if err != nil {
		return nil, err
	}
	f := e.parity.Field()
	f.XorInto(q, partial)
	return f.ScaleBlock(q, f.Power(-ord)), nil
}
