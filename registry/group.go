package registry

import "go.uber.org/multierr"

// DefaultSeparator is the default separator used by Group.Use for
// prefixing nested-group method names.
const DefaultSeparator = "."

// Thunk defers a single method's registration until RegisterTo is
// called, capturing method name and payload type via a closure built by
// RegisterRequest/RegisterNotification-shaped helpers rather than by
// reflecting over a stored handler value.
type Thunk func(r *Registry, method string) error

// Group batches a set of handler registrations so registration errors
// can be collected and returned together, and so related methods can be
// declared under a common, optionally nested, prefix. The zero value is
// ready to use.
//
// Example:
//
//	var g registry.Group
//	g.Add("ping", func(r *registry.Registry, method string) error {
//	    _, err := registry.RegisterRequest(r, method, pingHandler)
//	    return err
//	})
//
//	g.Use("math", func(sub *registry.Group) {
//	    sub.Add("add", addThunk)
//	    sub.Add("sub", subThunk)
//	})
//
//	if err := g.RegisterTo(reg); err != nil {
//	    // handle aggregated errors
//	}
type Group struct {
	entries []groupEntry
	sep     string
}

type groupEntry struct {
	method string
	thunk  Thunk
}

func (g *Group) init() {
	if g.sep == "" {
		g.sep = DefaultSeparator
	}
}

// SetSeparator overrides DefaultSeparator for this group and any
// subgroup created afterward via Use.
func (g *Group) SetSeparator(sep string) {
	g.sep = sep
}

// Add defers a single method's registration.
func (g *Group) Add(method string, thunk Thunk) {
	g.init()
	g.entries = append(g.entries, groupEntry{method: method, thunk: thunk})
}

// Use declares a subgroup whose method names are prefixed with prefix +
// separator, unless prefix is empty, in which case no prefix or
// separator is added.
func (g *Group) Use(prefix string, build func(sub *Group)) {
	g.init()

	sub := &Group{sep: g.sep}
	build(sub)

	pre := ""
	if prefix != "" {
		pre = prefix + sub.sep
	}

	for _, e := range sub.entries {
		g.entries = append(g.entries, groupEntry{method: pre + e.method, thunk: e.thunk})
	}
}

// RegisterTo registers every deferred method onto r, aggregating any
// errors with multierr rather than stopping at the first failure.
func (g *Group) RegisterTo(r *Registry) error {
	var err error
	for _, e := range g.entries {
		if regErr := e.thunk(r, e.method); regErr != nil {
			err = multierr.Append(err, regErr)
		}
	}
	return err
}
