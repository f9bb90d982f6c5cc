package manager

// cursor walks an ordered list of stages. It never moves backward.
//
// A fresh cursor sits before its first stage with the previous stage
// reported done, so a loop of
//
//	for c.Done() && c.Next() { run(c.Current()) }
//
// runs stages until one reports it is waiting.
type cursor[S ~int] struct {
	stages  []S
	pos     int
	waiting bool
}

func newCursor[S ~int](stages ...S) cursor[S] {
	return cursor[S]{stages: stages, pos: -1}
}

// Current returns the active stage.
func (c *cursor[S]) Current() (S, bool) {
	if c.pos < 0 || c.pos >= len(c.stages) {
		var zero S
		return zero, false
	}
	return c.stages[c.pos], true
}

// At reports whether the active stage is s.
func (c *cursor[S]) At(s S) bool {
	cur, ok := c.Current()
	return ok && cur == s
}

// Started reports whether the cursor has entered its first stage.
func (c *cursor[S]) Started() bool { return c.pos >= 0 }

// Next enters the following stage. It returns false past the last one.
func (c *cursor[S]) Next() bool {
	if c.pos < len(c.stages) {
		c.pos++
	}
	c.waiting = false
	return c.pos < len(c.stages)
}

// SkipTo jumps forward to s if s is still ahead of the active stage.
func (c *cursor[S]) SkipTo(s S) bool {
	for i := c.pos + 1; i < len(c.stages); i++ {
		if c.stages[i] == s {
			c.pos = i
			c.waiting = false
			return true
		}
	}
	return false
}

// Before reports whether s is still ahead of the active stage.
func (c *cursor[S]) Before(s S) bool {
	for i := c.pos + 1; i < len(c.stages); i++ {
		if c.stages[i] == s {
			return true
		}
	}
	return false
}

// Reached reports whether the active stage is s or a later one.
func (c *cursor[S]) Reached(s S) bool {
	cur, ok := c.Current()
	return ok && cur >= s
}

func (c *cursor[S]) Wait()          { c.waiting = true }
func (c *cursor[S]) Finish()        { c.waiting = false }
func (c *cursor[S]) Done() bool     { return !c.waiting }
func (c *cursor[S]) Finished() bool { return c.pos >= len(c.stages) }
