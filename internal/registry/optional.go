package registry

// Optional holds a value that may be absent.
type Optional[T any] struct {
	value T
	ok    bool
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, ok: true}
}

func (o *Optional[T]) Set(v T) {
	o.value = v
	o.ok = true
}

func (o *Optional[T]) Clear() {
	var zero T
	o.value = zero
	o.ok = false
}

func (o Optional[T]) Get() (T, bool) {
	return o.value, o.ok
}

func (o Optional[T]) Present() bool {
	return o.ok
}

// Take returns the value and clears it.
func (o *Optional[T]) Take() (T, bool) {
	v, ok := o.value, o.ok
	o.Clear()
	return v, ok
}
