package timeprof

import (
	"encoding/binary"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cespare/xxhash"
	"github.com/google/pprof/profile"
	"github.com/ianlancetaylor/demangle"
)

// Profile is the envelope returned by CPUProfiler.Profile: the samples
// symbolized since the previous envelope, bounded by wall-clock timestamps
// in nanoseconds.
type Profile struct {
	Name      string
	StartTime int64
	EndTime   int64
	Samples   []*Sample
}

// Duration returns the wall-clock span covered by the envelope.
func (p *Profile) Duration() time.Duration {
	return time.Duration(p.EndTime - p.StartTime)
}

// BuildProfile converts a profile envelope into a pprof profile document.
//
// Samples sharing a call stack and a label set are aggregated into a single
// pprof sample accumulating cpu time and capture count. Locations are
// deduplicated by code region, and function names are demangled for display
// while the raw name is kept as the system name.
func BuildProfile(prof *Profile) *profile.Profile {
	out := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "cpu", Unit: "nanoseconds"},
			{Type: "samples", Unit: "count"},
		},
		TimeNanos:     prof.StartTime,
		DurationNanos: prof.EndTime - prof.StartTime,
	}

	type sampleKey struct {
		stack  uint64
		labels *LabelSet
	}

	locationCache := make(map[*CodeEventRecord]*profile.Location)
	functionCache := make(map[string]*profile.Function)
	sampleCache := make(map[sampleKey]*profile.Sample)

	bx := make([]byte, 8)

	for _, s := range prof.Samples {
		h := xxhash.New()
		for _, loc := range s.Locations {
			binary.LittleEndian.PutUint64(bx, uint64(loc.Address))
			h.Write(bx)
		}
		key := sampleKey{stack: h.Sum64(), labels: s.Labels}

		ps := sampleCache[key]
		if ps == nil {
			// Pprof wants leaf-first stacks, the symbolizer produces
			// outermost-first.
			locations := make([]*profile.Location, len(s.Locations))
			for i, rec := range s.Locations {
				locations[len(locations)-(i+1)] = locationFor(out, rec, locationCache, functionCache)
			}
			ps = &profile.Sample{
				Location: locations,
				Value:    make([]int64, 2),
			}
			for k, v := range s.Labels.Labels() {
				if ps.Label == nil {
					ps.Label = make(map[string][]string)
				}
				ps.Label[k] = append(ps.Label[k], v)
			}
			sampleCache[key] = ps
			out.Sample = append(out.Sample, ps)
		}
		ps.Value[0] += s.CPUTime
		ps.Value[1]++
	}

	return out
}

func locationFor(out *profile.Profile, rec *CodeEventRecord, locations map[*CodeEventRecord]*profile.Location, functions map[string]*profile.Function) *profile.Location {
	if loc := locations[rec]; loc != nil {
		return loc
	}

	name := rec.FunctionName
	if name == "" {
		name = rec.Comment
	}

	fn := functions[name]
	if fn == nil {
		fn = &profile.Function{
			ID:         uint64(len(functions)) + 1, // 0 is reserved by pprof
			Name:       demangle.Filter(name),
			SystemName: name,
			Filename:   rec.ScriptName,
		}
		functions[name] = fn
		out.Function = append(out.Function, fn)
	}

	loc := &profile.Location{
		ID:      uint64(len(locations)) + 1, // 0 is reserved by pprof
		Address: uint64(rec.Address),
		Line: []profile.Line{{
			Function: fn,
			Line:     int64(rec.Line),
		}},
	}
	locations[rec] = loc
	out.Location = append(out.Location, loc)
	return loc
}

// WriteProfile writes a profile to a file at the given path.
func WriteProfile(path string, prof *profile.Profile) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	return prof.Write(w)
}

// NewHandler returns a http handler exposing the profiler on a
// pprof-compatible http endpoint: each request starts the profiler at the
// given frequency, waits for the requested duration (30s by default,
// ?seconds= to override), and serves the profile collected over that window.
func NewHandler(p *CPUProfiler, hz int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		duration := 30 * time.Second

		if seconds := r.FormValue("seconds"); seconds != "" {
			n, err := strconv.ParseInt(seconds, 10, 64)
			if err == nil && n > 0 {
				duration = time.Duration(n) * time.Second
			}
		}

		ctx := r.Context()
		deadline, ok := ctx.Deadline()
		if ok {
			if timeout := time.Until(deadline); duration > timeout {
				serveError(w, http.StatusBadRequest, "profile duration exceeds server's WriteTimeout")
				return
			}
		}

		if err := p.Start(hz); err != nil {
			serveError(w, http.StatusInternalServerError, "Could not enable CPU profiling: "+err.Error())
			return
		}

		timer := time.NewTimer(duration)
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()

		p.Stop()

		// The output array belongs to the host thread; drain it there.
		ch := make(chan *profile.Profile, 1)
		p.host.ScheduleIdle(func() {
			p.ProcessSample()
			ch <- BuildProfile(p.Profile())
		})
		serveProfile(w, <-ch)
	})
}

func serveProfile(w http.ResponseWriter, prof *profile.Profile) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", `attachment; filename="profile"`)
	if err := prof.Write(w); err != nil {
		serveError(w, http.StatusInternalServerError, err.Error())
	}
}

func serveError(w http.ResponseWriter, status int, txt string) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Go-Pprof", "1")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Del("Content-Disposition")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(txt + "\n"))
}
