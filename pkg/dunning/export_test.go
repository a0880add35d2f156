package dunning

import "time"

func (e *Engine) SetNow(fn func() time.Time) { e.now = fn }

func (h *HTTPNotifier) SetNow(fn func() time.Time) { h.now = fn }
