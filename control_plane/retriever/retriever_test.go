package retriever

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/fleetgate/control_plane/policy"
	"github.com/itskum47/fleetgate/control_plane/store"
)

func fixtures() []*store.Batch {
	return []*store.Batch{
		{
			ID: "1", Key: "restart-nginx", Name: "Restart Nginx",
			Description: "Restart the nginx web server", Risk: policy.RiskLow,
			Commands: []string{"systemctl restart nginx"}, OSTargets: []string{"ubuntu*", "debian*"},
		},
		{
			ID: "2", Key: "disk-report", Name: "Disk usage report",
			Description: "Show free space on every mounted filesystem", Risk: policy.RiskLow,
			Commands: []string{"df -h"},
		},
		{
			ID: "3", Key: "iis-reset", Name: "Reset IIS",
			Description: "Restart the IIS web service", Risk: policy.RiskMedium,
			Commands: []string{"iisreset"}, OSTargets: []string{"windows*"},
		},
	}
}

func keys(in []BatchSummary) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, s.Key)
	}
	return out
}

func TestRankPrefersBestMatch(t *testing.T) {
	got := Rank(fixtures(), "please restart nginx", "Ubuntu-22.04", 0)
	require.NotEmpty(t, got)
	assert.Equal(t, "restart-nginx", got[0].Key)
	assert.Greater(t, got[0].Score, 0.0)
}

func TestRankFiltersByOS(t *testing.T) {
	got := Rank(fixtures(), "restart nginx", "windows-2022", 0)
	assert.NotContains(t, keys(got), "restart-nginx")
	assert.Contains(t, keys(got), "iis-reset")

	// Unknown OS keeps everything.
	got = Rank(fixtures(), "restart", "", 0)
	assert.ElementsMatch(t, []string{"restart-nginx", "iis-reset"}, keys(got))
}

func TestRankDropsUnrelated(t *testing.T) {
	assert.Empty(t, Rank(fixtures(), "order pizza", "ubuntu", 0))
	assert.Empty(t, Rank(fixtures(), "", "ubuntu", 0))
}

func TestRankLimitAndDeterminism(t *testing.T) {
	var batches []*store.Batch
	for i := 0; i < 30; i++ {
		batches = append(batches, &store.Batch{
			Key:         fmt.Sprintf("backup-%02d", i),
			Name:        "Nightly backup",
			Description: "Back up the database",
			Commands:    []string{"pg_dump app"},
		})
	}

	assert.Len(t, Rank(batches, "backup", "", 0), DefaultLimit)
	assert.Len(t, Rank(batches, "backup", "", 1000), MaxLimit)

	first := Rank(batches, "backup", "", 3)
	assert.Equal(t, []string{"backup-00", "backup-01", "backup-02"}, keys(first))
	assert.Equal(t, first, Rank(batches, "backup", "", 3))
}

type fakeBatches struct {
	batches []*store.Batch
	err     error
}

func (f *fakeBatches) ListBatches(ctx context.Context, tenantID string) ([]*store.Batch, error) {
	return f.batches, f.err
}

func TestRetrieve(t *testing.T) {
	r := New(&fakeBatches{batches: fixtures()})
	got, err := r.Retrieve(context.Background(), "t1", "disk space report", "ubuntu", 2)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "disk-report", got[0].Key)

	r = New(&fakeBatches{err: errors.New("db down")})
	_, err = r.Retrieve(context.Background(), "t1", "disk", "ubuntu", 2)
	assert.Error(t, err)
}
