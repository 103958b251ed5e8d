package engine

import (
	"math"
	"strconv"
)

// Header names expected bit-exact by clients.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Headers renders a decision as response headers. Pass-through
// decisions produce no headers; Retry-After appears only on denial,
// rounded up to whole seconds.
func Headers(d Decision) map[string]string {
	if d.Passthrough() {
		return map[string]string{}
	}

	h := map[string]string{
		HeaderLimit:     strconv.FormatInt(d.Limit, 10),
		HeaderRemaining: strconv.FormatInt(d.Remaining, 10),
		HeaderReset:     strconv.FormatInt(d.ResetAt.Unix(), 10),
	}
	if !d.Allowed {
		secs := int64(math.Ceil(d.RetryAfter.Seconds()))
		h[HeaderRetryAfter] = strconv.FormatInt(secs, 10)
	}
	return h
}
