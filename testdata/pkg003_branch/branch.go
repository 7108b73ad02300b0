package branch

var table [4]int32

func guarded(x int) int32 {
	if x >= 0 && x < 4 {
		return table[x]
	}
	return 0
}

func unguarded(x int) int32 {
	if x < 4 {
		return table[x]
	}
	return 0
}

func local(x int) int32 {
	var a [8]int32
	a[x&7] = 1
	return a[x&7]
}
