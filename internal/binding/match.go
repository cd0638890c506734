package binding

import (
	"golang.org/x/text/cases"

	"github.com/roach88/vdbtest/internal/admin"
	"github.com/roach88/vdbtest/internal/vdburl"
)

// MatchPolicy picks one VDB among several candidates sharing the target
// name. candidates is never empty and is in listing order.
type MatchPolicy func(candidates []admin.VDB) admin.VDB

// LastMatchWins selects the last candidate in listing order. The choice
// depends on the order the admin API lists VDBs in, so with several
// versions deployed the result is only as stable as that order.
func LastMatchWins(candidates []admin.VDB) admin.VDB {
	return candidates[len(candidates)-1]
}

// HighestVersion selects the candidate with the greatest version, the
// first one on ties.
func HighestVersion(candidates []admin.VDB) admin.VDB {
	best := candidates[0]
	for _, v := range candidates[1:] {
		if v.Version > best.Version {
			best = v
		}
	}
	return best
}

// candidates returns the VDBs whose name equals target.VDBName under
// Unicode case folding, in listing order. A pinned version narrows the
// result to that version.
func candidates(vdbs []admin.VDB, target vdburl.URL) []admin.VDB {
	fold := cases.Fold()
	want := fold.String(target.VDBName)

	var out []admin.VDB
	for _, v := range vdbs {
		if fold.String(v.Name) != want {
			continue
		}
		if target.HasVersion() && v.Version != target.Version {
			continue
		}
		out = append(out, v)
	}
	return out
}
