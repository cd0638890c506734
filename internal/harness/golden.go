package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// ProvisionWithGolden provisions id and compares the resulting status
// against testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./... -update
//
// Run IDs are part of the snapshot, so harnesses used with golden files
// should be built with a fixed run-ID generator.
func ProvisionWithGolden(t *testing.T, h *Harness, name, id string) error {
	t.Helper()

	if _, err := h.Provision(context.Background(), id); err != nil {
		return err
	}
	st, err := h.Status(id)
	if err != nil {
		return err
	}
	return AssertGolden(t, name, st)
}

// AssertGolden compares st against testdata/golden/{name}.golden. Map keys
// are sorted by the encoder, so the snapshot is deterministic.
func AssertGolden(t *testing.T, name string, st Status) error {
	t.Helper()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
