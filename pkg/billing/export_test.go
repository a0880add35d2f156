package billing

import "time"

func (a *Aggregator) SetNow(fn func() time.Time) { a.now = fn }

func (g *Generator) SetNow(fn func() time.Time) { g.now = fn }
