package bbq

// onCritical makes b call f while it holds the mutex, right after the slot
// was written or read. It must be set before the first Produce or Consume.
func (b *Buffer) onCritical(f func(op string)) {
	b.critical = f
}
