package services

// scaleValue applies a power-of-ten exponent to an amount using integer
// arithmetic. Negative exponents truncate toward zero, which is where
// fractional remainders come from during consumption collection.
func scaleValue(value int32, scale int) int32 {
	for scale > 0 {
		value *= 10
		scale--
	}
	for scale < 0 && value != 0 {
		value /= 10
		scale++
	}
	return value
}
