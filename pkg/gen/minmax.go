package gen

func Min[T Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Max[T Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func Abs[T Integer | Float](a T) T {
	if a < 0 {
		return -a
	}
	return a
}

func Clamp[T Ordered](v, min, max T) T {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Lerp returns a + t * (b - a).
func Lerp[T Float](a, b, t T) T {
	return a + t*(b-a)
}
