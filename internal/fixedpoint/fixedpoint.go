// Package fixedpoint implements signed 17.14 fixed-point numbers.
//
// The scheduler statistics (recent_cpu, load_avg) are carried in this format so
// that tick-over-tick updates do not accumulate truncation error. Everything the
// scheduler exposes to callers is converted back to an integer first.
package fixedpoint

// Q is the number of fractional bits.
const Q = 14

// F is the scale factor, 1 in fixed-point representation.
const F = 1 << Q

// Value is a 17.14 fixed-point number.
type Value int32

// FromInt converts an integer to fixed point.
func FromInt(n int) Value {
	return Value(n * F)
}

// Raw returns the underlying scaled integer.
func (x Value) Raw() int32 {
	return int32(x)
}

// Trunc converts x to an integer, rounding toward zero.
func (x Value) Trunc() int {
	return int(x) / F
}

// Round converts x to the nearest integer. Halves round away from zero.
func (x Value) Round() int {
	if x >= 0 {
		return (int(x) + F/2) / F
	}
	return (int(x) - F/2) / F
}

// Add returns x + y.
func (x Value) Add(y Value) Value {
	return x + y
}

// Sub returns x - y.
func (x Value) Sub(y Value) Value {
	return x - y
}

// AddInt returns x + n.
func (x Value) AddInt(n int) Value {
	return x + Value(n*F)
}

// SubInt returns x - n.
func (x Value) SubInt(n int) Value {
	return x - Value(n*F)
}

// Mul returns x * y. The product is widened to 64 bits before rescaling.
func (x Value) Mul(y Value) Value {
	return Value(int64(x) * int64(y) / F)
}

// MulInt returns x * n.
func (x Value) MulInt(n int) Value {
	return x * Value(n)
}

// Div returns x / y. The dividend is widened to 64 bits before scaling.
// Division by zero panics.
func (x Value) Div(y Value) Value {
	return Value(int64(x) * F / int64(y))
}

// DivInt returns x / n.
func (x Value) DivInt(n int) Value {
	return x / Value(n)
}
