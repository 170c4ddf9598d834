package main

var nilPtr *int

//go:noinline
func crashHere(n int) {
	*nilPtr = n
}

//go:noinline
func callCrash() {
	crashHere(1)
}

func main() {
	callCrash()
}
