package payments

// ValidRoutingNumber checks an ABA routing transit number: nine digits whose
// weighted checksum 3(d1+d4+d7) + 7(d2+d5+d8) + (d3+d6+d9) is divisible by
// ten. The all-zero string passes the checksum but is not a real institution,
// so it is rejected outright.
func ValidRoutingNumber(value string) bool {
	if len(value) != 9 {
		return false
	}

	sum := 0
	allZero := true
	for i := 0; i < 9; i++ {
		ch := value[i]
		if ch < '0' || ch > '9' {
			return false
		}
		digit := int(ch - '0')
		if digit != 0 {
			allZero = false
		}
		switch i % 3 {
		case 0:
			sum += 3 * digit
		case 1:
			sum += 7 * digit
		case 2:
			sum += digit
		}
	}

	return !allZero && sum%10 == 0
}
