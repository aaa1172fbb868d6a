// Package aesmath provides the GF(2^8) arithmetic and array helpers used by
// the AES decryption core and its masking countermeasures.
package aesmath

// irreduciblePolynomial is the AES reduction polynomial x^8+x^4+x^3+x+1,
// reduced to its low byte after the high bit shifts out.
const irreduciblePolynomial = 0x1B

// FFMul multiplies x and y in GF(2^8) using peasant multiplication.
func FFMul(x, y byte) byte {
	var product byte
	// Divide by 2 in GF(2^8) until y is 0
	for ; y != 0; y >>= 1 {
		// LSB set in y
		if y&0x01 != 0 {
			product ^= x
		}
		// Check if MSB set in x
		if x&0x80 != 0 {
			// Left-shift x (multiply by 2 in GF(2^8))
			// & add the irreducible polynomial
			x = (x << 1) ^ irreduciblePolynomial
		} else {
			x <<= 1
		}
	}
	return product
}

func reverse(arr []byte, low, high int) {
	for low < high {
		arr[low], arr[high] = arr[high], arr[low]
		low++
		high--
	}
}

// RotateRight rotates arr right by k positions in place, without allocating,
// using three reversals.
func RotateRight(arr []byte, k int) {
	n := len(arr)
	if n == 0 {
		return
	}
	k %= n
	if k == 0 {
		return
	}
	// Reverse the last k elements
	reverse(arr, n-k, n-1)
	// Reverse the first n-k elements
	reverse(arr, 0, n-k-1)
	// Reverse the whole array
	reverse(arr, 0, n-1)
}

// RotateLeft rotates arr left by k positions in place.
func RotateLeft(arr []byte, k int) {
	n := len(arr)
	if n == 0 {
		return
	}
	RotateRight(arr, n-k%n)
}

// XORBytes stores a XOR b into dst, over the shortest common length.
func XORBytes(dst, a, b []byte) {
	for i := 0; i < len(a) && i < len(b); i++ {
		dst[i] = a[i] ^ b[i]
	}
}
