package space

// Mutator is one running program thread's allocation identity. It owns a thread-local bump
// run carved out of a SegFitsSpace: the run is one opaque chunk to the shared allocator, and
// the objects bump-allocated inside it stay invisible to whole-region walks and accounting
// until the run is revoked. No lock protects the run fields, the owning thread is the only
// writer until revocation, which happens with the thread stopped or cooperating.
type Mutator struct {
	name string

	runSpace  *SegFitsSpace
	runOffset int
	runPos    int
	runEnd    int

	// chunk sizes bump-allocated so far, in address order; replayed at revocation to split
	// the run into individually live chunks
	runSizes []int

	localBytes   int
	localObjects int
}

// NewMutator creates a mutator identity with no thread-local run.
func NewMutator(name string) *Mutator {
	return &Mutator{name: name}
}

func (m *Mutator) Name() string { return m.name }

// HasRun reports whether the mutator currently holds a thread-local bump run.
func (m *Mutator) HasRun() bool {
	return m.runSpace != nil
}

// RunRemaining returns the bytes still unallocated in the current run.
func (m *Mutator) RunRemaining() int {
	return m.runEnd - m.runPos
}

func (m *Mutator) dropRun() {
	m.runSpace = nil
	m.runOffset = 0
	m.runPos = 0
	m.runEnd = 0
	m.runSizes = m.runSizes[:0]
	m.localBytes = 0
	m.localObjects = 0
}
