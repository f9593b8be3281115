package cache

// Nop is a Cache that stores nothing. Useful to disable caching without
// branching at call sites.
type Nop struct{}

func (n *Nop) Get(string) (any, bool)          { return nil, false }
func (n *Nop) Put(string, any, ...PutOption)   {}
func (n *Nop) Delete(string)                   {}

func NewNop() *Nop { return &Nop{} }

var _ Cache = (*Nop)(nil)
