package stack

// SocketSet is a fixed-capacity table of sockets. Its capacity is that of the slot
// slice it is created over and never grows.
type SocketSet struct {
	slots []Socket
	n     int
}

// NewSocketSet returns a set storing sockets in slots. len(slots) is the capacity.
func NewSocketSet(slots []Socket) SocketSet {
	clear(slots)
	return SocketSet{slots: slots}
}

// Add stores sock in the set and returns its handle.
func (ss *SocketSet) Add(sock Socket) (Handle, error) {
	if sock == nil {
		panic("stack: nil socket")
	} else if ss.n == len(ss.slots) {
		return -1, ErrTableFull
	}
	h := Handle(ss.n)
	ss.slots[h] = sock
	ss.n++
	return h, nil
}

// Get returns the socket for h.
func (ss *SocketSet) Get(h Handle) (Socket, error) {
	if h < 0 || int(h) >= ss.n {
		return nil, ErrBadHandle
	}
	return ss.slots[h], nil
}

// Len returns the number of sockets in the set.
func (ss *SocketSet) Len() int { return ss.n }

// Cap returns the capacity of the set.
func (ss *SocketSet) Cap() int { return len(ss.slots) }

// Range calls fn for every socket in handle order until fn returns false.
func (ss *SocketSet) Range(fn func(h Handle, sock Socket) bool) {
	for i := 0; i < ss.n; i++ {
		if !fn(Handle(i), ss.slots[i]) {
			return
		}
	}
}
