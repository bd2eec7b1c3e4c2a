package seh

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/machexc/pkg/mach"
)

// guardThreads bounds the number of threads whose last fault is remembered.
const guardThreads = 256

type repeat struct {
	pc    uint64
	count int
}

// repeatGuard counts consecutive faults of a thread at the same program
// counter. A repair that does not move the thread forward would otherwise
// fault forever.
type repeatGuard struct {
	limit int
	last  *lru.Cache
}

func newRepeatGuard(limit int) *repeatGuard {
	if limit <= 0 {
		return nil
	}
	c, err := lru.New(guardThreads)
	if err != nil {
		panic(err)
	}
	return &repeatGuard{limit: limit, last: c}
}

// exceeded records a fault of thread at pc and reports whether the limit
// of consecutive faults there has been reached. The count restarts once it
// has.
func (g *repeatGuard) exceeded(thread mach.Port, pc uint64) bool {
	if g == nil {
		return false
	}
	r := repeat{pc: pc, count: 1}
	if v, ok := g.last.Get(thread); ok {
		if prev := v.(repeat); prev.pc == pc {
			r.count = prev.count + 1
		}
	}
	if r.count > g.limit {
		g.last.Remove(thread)
		return true
	}
	g.last.Add(thread, r)
	return false
}
