package malloc

import "fmt"

func ExampleArena() {
	a, _ := New(64 * 1024)

	b1 := a.Alloc(100)
	b2 := a.Alloc(50)

	fmt.Printf("b1 len=%d\n", len(b1))
	fmt.Printf("b2 len=%d\n", len(b2))

	a.Free(b1)
	grown := a.Realloc(b2, 200)
	fmt.Printf("grown len=%d\n", len(grown))

	a.Free(grown)

	// Output:
	// b1 len=100
	// b2 len=50
	// grown len=200
}
