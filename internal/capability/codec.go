package capability

// Codec holds the embedder-declared features independent of session state
// and decides when the combined mask must be pushed.
//
// A Codec is not safe for concurrent use; it lives on the session loop.
type Codec struct {
	local    Flag
	protocol Flag

	pushed    bool
	lastGen   uint64
	lastValue Flag
}

// NewCodec returns a codec that always includes protocol in the mask.
func NewCodec(protocol Flag) *Codec {
	return &Codec{protocol: protocol}
}

// SetLocal replaces the embedder-declared feature set.
func (c *Codec) SetLocal(f Flag) {
	c.local = f
}

// Local returns the embedder-declared feature set.
func (c *Codec) Local() Flag {
	return c.local
}

// Mask returns local features plus the always-on protocol flags.
func (c *Codec) Mask() Flag {
	return c.local | c.protocol
}

// Next computes the mask for generation gen and reports whether it must be
// pushed. A push is needed when forced, when nothing was committed for gen
// yet, or when the mask differs from the value last committed for gen.
func (c *Codec) Next(gen uint64, force bool) (Flag, bool) {
	mask := c.Mask()
	if !force && c.pushed && c.lastGen == gen && c.lastValue == mask {
		return mask, false
	}
	return mask, true
}

// Commit records mask as delivered for generation gen. Call it only after
// the service accepted the push, so a failed push is retried by the next
// Next.
func (c *Codec) Commit(gen uint64, mask Flag) {
	c.pushed = true
	c.lastGen = gen
	c.lastValue = mask
}

// Last returns the mask last committed and the generation it was committed
// for.
func (c *Codec) Last() (Flag, uint64, bool) {
	return c.lastValue, c.lastGen, c.pushed
}
