package mask

var table [4]int32

func mask3(x int8) int32 {
	return table[x&3]
}

func mask7(x int8) int32 {
	return table[x&7]
}

func unsigned(x uint8) int32 {
	return table[x>>6]
}
