package cache

// Page is one page of a paginated collection, newest items first.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Paged is a paginated collection as fetched page by page. Methods never
// modify the receiver's backing arrays; they return modified copies, so a
// value handed out by Read stays stable while later patches land.
type Paged[T any] struct {
	Pages []Page[T] `json:"pages"`
}

// NewPaged returns a single-page collection holding items.
func NewPaged[T any](items ...T) Paged[T] {
	return Paged[T]{Pages: []Page[T]{{Items: append([]T(nil), items...)}}}
}

// Clone returns a deep copy of the page structure.
func (p Paged[T]) Clone() Paged[T] {
	out := Paged[T]{Pages: make([]Page[T], len(p.Pages))}
	for i, pg := range p.Pages {
		out.Pages[i] = Page[T]{
			Items:      append([]T(nil), pg.Items...),
			NextCursor: pg.NextCursor,
		}
	}

	return out
}

// All flattens the pages in order.
func (p Paged[T]) All() []T {
	var all []T
	for _, pg := range p.Pages {
		all = append(all, pg.Items...)
	}

	return all
}

// Len returns the total number of items.
func (p Paged[T]) Len() int {
	n := 0
	for _, pg := range p.Pages {
		n += len(pg.Items)
	}

	return n
}

// Find returns the first item satisfying match.
func (p Paged[T]) Find(match func(T) bool) (T, bool) {
	for _, pg := range p.Pages {
		for _, it := range pg.Items {
			if match(it) {
				return it, true
			}
		}
	}

	var zero T

	return zero, false
}

// Prepend inserts item at the front of the first page.
func (p Paged[T]) Prepend(item T) Paged[T] {
	out := p.Clone()
	if len(out.Pages) == 0 {
		out.Pages = []Page[T]{{}}
	}

	out.Pages[0].Items = append([]T{item}, out.Pages[0].Items...)

	return out
}

// Replace applies fn to the first item satisfying match. The boolean is
// false, and p is returned untouched, when nothing matched.
func (p Paged[T]) Replace(match func(T) bool, fn func(T) T) (Paged[T], bool) {
	for i, pg := range p.Pages {
		for j, it := range pg.Items {
			if !match(it) {
				continue
			}

			out := p.Clone()
			out.Pages[i].Items[j] = fn(it)

			return out, true
		}
	}

	return p, false
}

// Remove drops every item satisfying match. The boolean reports whether
// anything was removed.
func (p Paged[T]) Remove(match func(T) bool) (Paged[T], bool) {
	out := Paged[T]{Pages: make([]Page[T], len(p.Pages))}
	removed := false

	for i, pg := range p.Pages {
		items := make([]T, 0, len(pg.Items))
		for _, it := range pg.Items {
			if match(it) {
				removed = true
				continue
			}

			items = append(items, it)
		}

		out.Pages[i] = Page[T]{Items: items, NextCursor: pg.NextCursor}
	}

	if !removed {
		return p, false
	}

	return out, true
}
