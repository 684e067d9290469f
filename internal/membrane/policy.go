package membrane

// policy is the per-registration allow/deny evaluator. Deny wins; an allow
// list denies every member absent from it; neither list allows everything
// materializable. Decisions are made at access/call time, never cached at
// wrap time.
type policy struct {
	allow  map[string]struct{} // nil means "no allow list"
	deny   map[string]struct{}
	frozen map[string]struct{}

	freezeAll bool
}

func newPolicy(opts *Options) *policy {
	p := &policy{}
	if opts == nil {
		return p
	}
	if opts.Allow != nil {
		p.allow = make(map[string]struct{}, len(opts.Allow))
		for _, n := range opts.Allow {
			p.allow[n] = struct{}{}
		}
	}
	if len(opts.Deny) > 0 {
		p.deny = make(map[string]struct{}, len(opts.Deny))
		for _, n := range opts.Deny {
			p.deny[n] = struct{}{}
		}
	}
	if len(opts.FreezeMembers) > 0 {
		p.frozen = make(map[string]struct{}, len(opts.FreezeMembers))
		for _, n := range opts.FreezeMembers {
			p.frozen[n] = struct{}{}
		}
	}
	p.freezeAll = opts.Freeze
	return p
}

// denied reports whether any of the given spellings of a member name
// (qualified and bare) is rejected by the policy.
func (p *policy) denied(names ...string) bool {
	if p == nil {
		return false
	}
	for _, n := range names {
		if _, ok := p.deny[n]; ok {
			return true
		}
	}
	if p.allow == nil {
		return false
	}
	for _, n := range names {
		if _, ok := p.allow[n]; ok {
			return false
		}
	}
	return true
}

// writeDenied reports whether writes to the member are rejected, either by
// the general policy or by a freeze.
func (p *policy) writeDenied(names ...string) bool {
	if p == nil {
		return false
	}
	if p.freezeAll {
		return true
	}
	for _, n := range names {
		if _, ok := p.frozen[n]; ok {
			return true
		}
	}
	return p.denied(names...)
}
