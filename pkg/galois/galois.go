// Package galois implements arithmetic over GF(2^8).
//
// Elements are bytes. Addition is XOR, multiplication is polynomial
// multiplication reduced by x^8+x^4+x^3+x^2+1. The element 2 generates the
// multiplicative group of order 255.
//
// A Field is built once and never mutated afterwards, so a single instance
// may be shared by any number of goroutines.
package galois

// Polynomial is the reduction constant applied when a product overflows
// bit 7 (the low byte of 0x11D).
const Polynomial = 0x1D

// Generator is the primitive element whose powers enumerate all nonzero
// field elements.
const Generator = 0x02

// Order is the size of the multiplicative group.
const Order = 255

// Field holds the precomputed tables.
type Field struct {
	mul [256][256]byte
	exp [Order]byte
	log [256]int
}

// New builds the multiplication, power and log tables.
func New() *Field {
	f := &Field{}
	for a := 0; a < 256; a++ {
		for b := 0; b < 256; b++ {
			f.mul[a][b] = slowMul(byte(a), byte(b))
		}
	}

	x := byte(1)
	for i := 0; i < Order; i++ {
		f.exp[i] = x
		f.log[x] = i
		x = f.mul[x][Generator]
	}
	return f
}

// slowMul is the carry-less shift-and-reduce product used to fill the table.
func slowMul(a, b byte) byte {
	var p byte
	for b != 0 {
		if b&1 != 0 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= Polynomial
		}
		b >>= 1
	}
	return p
}

// Multiply returns a*b.
func (f *Field) Multiply(a, b byte) byte {
	return f.mul[a][b]
}

// Power returns Generator^n. The exponent is taken modulo Order, so negative
// exponents yield inverse powers.
func (f *Field) Power(n int) byte {
	n %= Order
	if n < 0 {
		n += Order
	}
	return f.exp[n]
}

// Log returns the discrete logarithm of a nonzero element.
func (f *Field) Log(a byte) int {
	if a == 0 {
		panic("galois: log of zero")
	}
	return f.log[a]
}

// Inverse returns the multiplicative inverse of a. a must be nonzero.
func (f *Field) Inverse(a byte) byte {
	if a == 0 {
		panic("galois: inverse of zero")
	}
	return f.Power(-f.log[a])
}

// XorBlock returns a fresh buffer holding a^b. Both inputs must have the
// same length.
func (f *Field) XorBlock(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// ScaleBlock returns a fresh buffer holding c*a for every byte of a.
func (f *Field) ScaleBlock(a []byte, c byte) []byte {
	out := make([]byte, len(a))
	row := &f.mul[c]
	for i, v := range a {
		out[i] = row[v]
	}
	return out
}

// XorInto sets dst ^= src.
func (f *Field) XorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// MulAddInto sets dst ^= c*src.
func (f *Field) MulAddInto(dst, src []byte, c byte) {
	switch c {
	case 0:
		return
	case 1:
		f.XorInto(dst, src)
		return
	}
	row := &f.mul[c]
	for i := range dst {
		dst[i] ^= row[src[i]]
	}
}
