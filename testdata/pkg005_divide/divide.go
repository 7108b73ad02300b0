package divide

var table [256]int32

func lookup(x uint8) int32 {
	return table[x]
}

func half(x uint16) int32 {
	return table[x/256]
}

func wrap(x int32) int32 {
	return table[(x%16+16)%16]
}

func rem(x int32) int32 {
	return table[x%16]
}
