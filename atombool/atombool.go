package atombool

import "sync/atomic"

// atomic bool
type AtomBool struct { flag int32 }

func (b *AtomBool) Set(value bool) {
	var i int32 = 0
	if value { i = 1 }
	atomic.StoreInt32(&(b.flag), int32(i))
}

func (b *AtomBool) Get() bool {
	return atomic.LoadInt32(&(b.flag)) != 0
}
