// Package probing contains the host-header probe engines: the combination
// expander/resolver, the concurrent executor, the batch scheduler and the
// single-connection sequential pair prober.
package probing

import "github.com/vhostlab/hostmatrix/internal/artifacts"

// Logf is the single-method logging capability injected into each engine.
// Any sink works: zap bridge, runner-log writer, test collector.
type Logf func(line string)

func (f Logf) printf(line string) {
	if f != nil {
		f(line)
	}
}

// Combination is one scheduled (request URL, Host header) probe unit. The
// original hostname and URL survive so SNI defaults can be reconstructed
// after IP substitution.
type Combination struct {
	RequestURL       string
	HostHeader       string
	OriginalHostname string
	OriginalURL      string
}

// CorrelationID derives the deterministic key shared by all attempts of the
// same combination.
func (c Combination) CorrelationID() string {
	id := artifacts.URLSlug(c.RequestURL) + "__" + artifacts.Slug(c.HostHeader)
	if len(id) > 64 {
		id = id[:64]
	}
	return id
}
