package typing

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"dexaudit/internal/cfg"
	"dexaudit/internal/dalvik"
	"dexaudit/internal/dex"
	"dexaudit/internal/repo"
)

// ErrorKind classifies a per-method finding.
type ErrorKind int

const (
	KindDecode ErrorKind = iota
	KindCFG
	KindType
	KindAccess
	KindResolution
	KindConverge
)

func (k ErrorKind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindCFG:
		return "cfg"
	case KindType:
		return "type"
	case KindAccess:
		return "access"
	case KindResolution:
		return "resolution"
	case KindConverge:
		return "converge"
	}
	return "?"
}

// VerifyError is one finding attributed to (method, pc).
type VerifyError struct {
	PC   uint32
	Kind ErrorKind
	Err  error
}

func (e VerifyError) Error() string {
	return fmt.Sprintf("pc %d: %s: %v", e.PC, e.Kind, e.Err)
}

// Result is the outcome of verifying one method. Resolution findings are
// informational: they feed the stripper but do not fail verification.
type Result struct {
	Method       *repo.Method
	Verified     bool
	Unverifiable bool // decode or CFG construction failed
	Errors       []VerifyError
	Entries      map[uint32]*State // abstract state before each reachable pc
}

// Options tunes a verification run.
type Options struct {
	// MaxVisits bounds how often one pc may be reprocessed before the
	// method is failed with a did-not-converge finding. 0 picks a
	// default proportional to the method size.
	MaxVisits int
	// Workers bounds VerifyAll parallelism. 0 means one worker per
	// method batch of reasonable size.
	Workers int
}

func (o Options) effectiveMaxVisits(insts int) int {
	if o.MaxVisits > 0 {
		return o.MaxVisits
	}
	return 4*insts + 64
}

func (o Options) effectiveWorkers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return 8
}

type verifier struct {
	rp   *repo.Repo
	h    *repo.Hierarchy
	m    *repo.Method
	res  *Result
	opts Options
}

func (v *verifier) fail(pc uint32, kind ErrorKind, err error) {
	v.res.Errors = append(v.res.Errors, VerifyError{PC: pc, Kind: kind, Err: err})
}

func (v *verifier) noteClassRef(pc uint32, desc string) {
	if dex.ReferenceDescriptor(desc) && desc[0] == '[' {
		return
	}
	if !v.h.Defined(desc) {
		v.fail(pc, KindResolution, fmt.Errorf("class %s not loaded", desc))
	}
}

func (v *verifier) noteFieldRef(pc uint32, ref dex.FieldRef) {
	v.fail(pc, KindResolution, fmt.Errorf("field %s->%s:%s not loaded", ref.Class, ref.Name, ref.Type))
}

func (v *verifier) noteMethodRef(pc uint32, ref dex.MethodRef) {
	v.fail(pc, KindResolution, fmt.Errorf("method %s not loaded", repo.RefDescriptor(ref)))
}

// VerifyMethod runs the abstract interpretation fixpoint over one
// method. Methods without code (abstract, native) verify trivially.
func VerifyMethod(rp *repo.Repo, m *repo.Method, opts Options) *Result {
	res := &Result{Method: m, Entries: make(map[uint32]*State)}
	h, err := rp.Hierarchy()
	if err != nil {
		res.Unverifiable = true
		res.Errors = append(res.Errors, VerifyError{Kind: KindCFG, Err: err})
		return res
	}
	if m.Code == nil {
		res.Verified = true
		return res
	}

	prog, err := dalvik.Decode(m.Code.Insns)
	if err != nil {
		res.Unverifiable = true
		res.Errors = append(res.Errors, VerifyError{Kind: KindDecode, Err: err})
		return res
	}
	g, err := cfg.Build(prog, m.Code.Tries)
	if err != nil {
		res.Unverifiable = true
		res.Errors = append(res.Errors, VerifyError{Kind: KindCFG, Err: err})
		return res
	}

	v := &verifier{rp: rp, h: h, m: m, res: res, opts: opts}
	v.run(prog, g)

	res.Verified = !res.Unverifiable && !hasFailing(res.Errors)
	return res
}

func hasFailing(errs []VerifyError) bool {
	for _, e := range errs {
		if e.Kind != KindResolution {
			return true
		}
	}
	return false
}

func (v *verifier) run(prog *dalvik.Program, g *cfg.Graph) {
	init, err := InitState(v.m)
	if err != nil {
		v.fail(0, KindType, err)
		return
	}

	entries := v.res.Entries
	exits := make(map[uint32]*State)
	entries[0] = init

	maxVisits := v.opts.effectiveMaxVisits(len(prog.PCs))
	visits := make(map[uint32]int)
	failed := make(map[uint32]bool)

	work := []uint32{0}
	queued := map[uint32]bool{0: true}
	for len(work) > 0 {
		pc := work[0]
		work = work[1:]
		queued[pc] = false
		if failed[pc] {
			continue
		}
		visits[pc]++
		if visits[pc] > maxVisits {
			v.fail(pc, KindConverge, ErrNoConverge)
			failed[pc] = true
			continue
		}

		in, ok := prog.At(pc)
		if !ok {
			v.fail(pc, KindCFG, cfg.ErrBadTarget)
			failed[pc] = true
			continue
		}
		st := entries[pc].Clone()
		if err := v.transfer(st, in); err != nil {
			kind := KindType
			if errors.Is(err, ErrAccess) {
				kind = KindAccess
			}
			v.fail(pc, kind, err)
			failed[pc] = true
			continue
		}
		exits[pc] = st

		for _, e := range g.Successors(pc) {
			base := exits[pc]
			if e.Kind == cfg.Exception {
				base = entries[pc]
			}
			next := base.Clone()
			if e.Kind == cfg.Exception {
				if err := v.catchInto(next, e); err != nil {
					v.fail(pc, KindType, err)
					continue
				}
			}
			old := entries[e.To]
			if old == nil {
				entries[e.To] = next
			} else {
				joined := old.Clone()
				if err := joined.Join(next, v.h); err != nil {
					v.fail(e.To, KindType, err)
					failed[e.To] = true
					continue
				}
				if joined.Equal(old) {
					continue
				}
				entries[e.To] = joined
			}
			if !queued[e.To] {
				work = append(work, e.To)
				queued[e.To] = true
			}
		}
	}

	sortErrors(v.res.Errors)
}

// catchInto prepares the handler-entry state along an exception edge:
// the pre-instruction state of the throwing pc, with the caught type in
// the exception slot.
func (v *verifier) catchInto(s *State, e cfg.Edge) error {
	t := ThrowableType
	if e.CatchType != "" {
		ct, err := FromDescriptor(e.CatchType)
		if err != nil {
			return err
		}
		if err := require(ct, ThrowableType, v.h); err != nil {
			return err
		}
		t = ct
	}
	s.LastException = &t
	s.LastResult = nil
	return nil
}

func sortErrors(errs []VerifyError) {
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].PC < errs[j].PC })
}

// VerifyAll verifies a set of methods in parallel over the sealed
// repository. Results come back in input order.
func VerifyAll(rp *repo.Repo, methods []*repo.Method, opts Options) []*Result {
	results := make([]*Result, len(methods))
	var wg sync.WaitGroup
	var mu sync.Mutex
	next := 0

	workers := opts.effectiveWorkers()
	if workers > len(methods) {
		workers = len(methods)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				i := next
				next++
				mu.Unlock()
				if i >= len(methods) {
					return
				}
				results[i] = VerifyMethod(rp, methods[i], opts)
			}
		}()
	}
	wg.Wait()
	return results
}
