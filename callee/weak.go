package callee

import "weak"

// WeakOrStrong holds either a strong or a weak reference to a T. A weak
// reference records the relation without keeping the target alive.
type WeakOrStrong[T any] struct {
	strong *T
	weak   weak.Pointer[T]
}

// Strong returns a strong reference to p.
func Strong[T any](p *T) WeakOrStrong[T] {
	return WeakOrStrong[T]{strong: p}
}

// Weak returns a weak reference to p.
func Weak[T any](p *T) WeakOrStrong[T] {
	if p == nil {
		return WeakOrStrong[T]{}
	}
	return WeakOrStrong[T]{weak: weak.Make(p)}
}

// Get returns the target, or nil if there is none or it has been collected.
func (w WeakOrStrong[T]) Get() *T {
	if w.strong != nil {
		return w.strong
	}
	return w.weak.Value()
}

// IsStrong reports whether the reference keeps its target alive.
func (w WeakOrStrong[T]) IsStrong() bool { return w.strong != nil }

// IsWeak reports whether the reference is weak. A collected weak
// reference is still weak.
func (w WeakOrStrong[T]) IsWeak() bool { return w.strong == nil && w.weak != weak.Pointer[T]{} }

// IsNull reports whether the reference was never set.
func (w WeakOrStrong[T]) IsNull() bool { return !w.IsStrong() && !w.IsWeak() }

// ConvertToWeak demotes a strong reference. Weak and null references are
// left unchanged.
func (w *WeakOrStrong[T]) ConvertToWeak() {
	if w.strong == nil {
		return
	}
	w.weak = weak.Make(w.strong)
	w.strong = nil
}

// ConvertToStrong promotes a weak reference whose target is still alive.
// It returns false if the target has been collected.
func (w *WeakOrStrong[T]) ConvertToStrong() bool {
	if w.strong != nil {
		return true
	}
	p := w.weak.Value()
	if p == nil {
		return false
	}
	w.strong = p
	w.weak = weak.Pointer[T]{}
	return true
}
