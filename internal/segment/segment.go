// Package segment defines segment references and the per-stream segment index.
package segment

// Status describes whether a referenced segment can be fetched.
type Status int

const (
	// Available segments can be requested.
	Available Status = iota
	// Unavailable segments are announced but not yet published.
	Unavailable
	// Missing segments were signalled as gaps in the timeline.
	Missing
)

// URIFunc resolves the candidate URIs of a segment at request time.
// Resolution is deferred so that content steering can change the
// preferred location after the reference was created.
type URIFunc func() []string

// InitReference points at an initialization segment.
type InitReference struct {
	URIs      URIFunc
	StartByte int64
	// EndByte is inclusive; -1 means "to the end of the resource".
	EndByte   int64
	Timescale uint32
}

// Reference represents a single media segment.
type Reference struct {
	// Start and End are presentation times in seconds.
	Start float64
	End   float64

	URIs      URIFunc
	StartByte int64
	// EndByte is inclusive; -1 means "to the end of the resource".
	EndByte   int64

	Init *InitReference

	// TimestampOffset maps media timestamps to presentation time.
	TimestampOffset   float64
	AppendWindowStart float64
	AppendWindowEnd   float64

	// Number is the template segment number, 0 when not number-addressed.
	Number int64
	Status Status
}

// Duration returns the span of the segment in seconds.
func (r *Reference) Duration() float64 {
	return r.End - r.Start
}

// ResolvedURIs returns the candidate URIs of the segment.
func (r *Reference) ResolvedURIs() []string {
	if r.URIs == nil {
		return nil
	}
	return r.URIs()
}

// StaticURIs returns a URIFunc that always yields uris.
func StaticURIs(uris ...string) URIFunc {
	return func() []string { return uris }
}
