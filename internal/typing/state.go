package typing

import (
	"errors"
	"fmt"

	"dexaudit/internal/dex"
	"dexaudit/internal/repo"
)

var (
	ErrNotSubtype       = errors.New("typing: not a subtype")
	ErrBadRegister      = errors.New("typing: register out of bounds")
	ErrBadPair          = errors.New("typing: register pair halves disagree")
	ErrMissingResult    = errors.New("typing: move-result without a preceding invoke result")
	ErrMissingException = errors.New("typing: move-exception outside a handler")
	ErrBadReturn        = errors.New("typing: return type mismatch")
	ErrBadArity         = errors.New("typing: argument count does not match prototype")
	ErrExpectedArray    = errors.New("typing: expected an array type")
	ErrExpectedClass    = errors.New("typing: expected a class type")
	ErrBadFieldType     = errors.New("typing: field type does not match instruction width")
	ErrIncompatible     = errors.New("typing: incompatible states")
	ErrUnsupported      = errors.New("typing: unsupported instruction")
	ErrNoConverge       = errors.New("typing: fixpoint did not converge")
	ErrAccess           = errors.New("typing: access check failed")
)

// State is the abstract machine state at one program point: one lattice
// type per register, plus the transient last-result and last-exception
// slots and the method's expected return type.
type State struct {
	Regs          []Type
	LastResult    *Type
	LastException *Type
	Expected      *Type // nil for void methods
}

// InitState builds the method entry state: every register Top, with the
// receiver and parameters seeded at the top of the frame the way the
// register machine lays them out.
func InitState(m *repo.Method) (*State, error) {
	if m.Code == nil {
		return nil, fmt.Errorf("typing: %s has no code", m.Descriptor())
	}
	n := int(m.Code.RegistersSize)
	s := &State{Regs: make([]Type, n)}
	for i := range s.Regs {
		s.Regs[i] = Top
	}

	paramRegs := 0
	for _, p := range m.Proto.Params {
		if dex.WideDescriptor(p) {
			paramRegs += 2
		} else {
			paramRegs++
		}
	}
	first := n - paramRegs
	if !m.IsStatic() {
		if first < 1 {
			return nil, fmt.Errorf("%w: frame too small for receiver", ErrBadRegister)
		}
		s.Regs[first-1] = Object(m.Class.Name)
	}
	if first < 0 {
		return nil, fmt.Errorf("%w: frame too small for parameters", ErrBadRegister)
	}
	reg := first
	for _, p := range m.Proto.Params {
		t, err := FromDescriptor(p)
		if err != nil {
			return nil, err
		}
		if t.Wide() {
			s.Regs[reg] = t
			s.Regs[reg+1] = t
			reg += 2
		} else {
			s.Regs[reg] = t
			reg++
		}
	}

	if m.Proto.Return != "V" {
		t, err := FromDescriptor(m.Proto.Return)
		if err != nil {
			return nil, err
		}
		s.Expected = &t
	}
	return s, nil
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	c := &State{
		Regs:     append([]Type(nil), s.Regs...),
		Expected: s.Expected,
	}
	if s.LastResult != nil {
		t := *s.LastResult
		c.LastResult = &t
	}
	if s.LastException != nil {
		t := *s.LastException
		c.LastException = &t
	}
	return c
}

// Equal compares register and slot contents.
func (s *State) Equal(o *State) bool {
	if len(s.Regs) != len(o.Regs) {
		return false
	}
	for i := range s.Regs {
		if !s.Regs[i].Equal(o.Regs[i]) {
			return false
		}
	}
	return optEqual(s.LastResult, o.LastResult) && optEqual(s.LastException, o.LastException)
}

func optEqual(a, b *Type) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Join merges another state into this one register-by-register. The
// transient slots survive only when both sides carry them.
func (s *State) Join(o *State, h *repo.Hierarchy) error {
	if len(s.Regs) != len(o.Regs) {
		return ErrIncompatible
	}
	for i := range s.Regs {
		s.Regs[i] = Join(s.Regs[i], o.Regs[i], h)
	}
	s.LastResult = joinOpt(s.LastResult, o.LastResult, h)
	s.LastException = joinOpt(s.LastException, o.LastException, h)
	return nil
}

func joinOpt(a, b *Type, h *repo.Hierarchy) *Type {
	if a == nil || b == nil {
		return nil
	}
	t := Join(*a, *b, h)
	return &t
}

func (s *State) readReg(r uint32) (Type, error) {
	if int(r) >= len(s.Regs) {
		return Type{}, fmt.Errorf("%w: v%d", ErrBadRegister, r)
	}
	return s.Regs[r], nil
}

func (s *State) readPair(r uint32) (Type, error) {
	t1, err := s.readReg(r)
	if err != nil {
		return Type{}, err
	}
	t2, err := s.readReg(r + 1)
	if err != nil {
		return Type{}, err
	}
	if !t1.Equal(t2) {
		return Type{}, fmt.Errorf("%w: v%d=%s v%d=%s", ErrBadPair, r, t1, r+1, t2)
	}
	return t1, nil
}

func (s *State) writeReg(r uint32, t Type) error {
	if int(r) >= len(s.Regs) {
		return fmt.Errorf("%w: v%d", ErrBadRegister, r)
	}
	s.Regs[r] = t
	return nil
}

func (s *State) writePair(r uint32, t Type) error {
	if err := s.writeReg(r, t); err != nil {
		return err
	}
	return s.writeReg(r+1, t)
}

// require is the verifier's subtype assertion.
func require(t, u Type, h *repo.Hierarchy) error {
	if !t.SubtypeOf(u, h) {
		return fmt.Errorf("%w: %s <: %s", ErrNotSubtype, t, u)
	}
	return nil
}
