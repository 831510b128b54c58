package gpu

// threadBound marks a type whose values may be handed to another goroutine
// but must never be used from two goroutines at once.
//
// Lock and Unlock make go vet's copylocks check reject copies of any struct
// holding a threadBound. The sharecheck analyzer recognises the type by name
// and rejects values that a go statement shares with its spawner.
type threadBound struct{}

func (*threadBound) Lock()   {}
func (*threadBound) Unlock() {}
