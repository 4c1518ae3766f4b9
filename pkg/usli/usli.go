package usli

func Conv[T, R any](src []T, fn func(T) R) []R {
	out := make([]R, len(src))
	for i, v := range src {
		out[i] = fn(v)
	}
	return out
}

func Filter[T any](src []T, keep func(T) bool) []T {
	out := make([]T, 0, len(src))
	for _, v := range src {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func FindFirstIf[T any](src []T, fn func(T) bool) (T, bool) {
	for _, v := range src {
		if fn(v) {
			return v, true
		}
	}

	var zero T
	return zero, false
}

func RemoveFirstIf[T any](src []T, fn func(T) bool) []T {
	for i, v := range src {
		if fn(v) {
			return append(src[:i], src[i+1:]...)
		}
	}
	return src
}

func Contains[T comparable](src []T, val T) bool {
	for _, v := range src {
		if v == val {
			return true
		}
	}
	return false
}

// Uniq keeps the first occurrence of each value, preserving order.
func Uniq[T comparable](src []T) []T {
	seen := make(map[T]struct{}, len(src))
	out := make([]T, 0, len(src))
	for _, v := range src {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
