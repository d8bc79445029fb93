package hosts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stagehand/internal/matrix"
)

func job(arch, distro string) matrix.Coordinate {
	return matrix.Coordinate{Stage: "check-patch", Substage: "tests", Arch: arch, Distribution: distro}
}

var fleet = []Host{
	{Name: "b-el7", Arch: "x86_64", Distributions: []string{"el7"}},
	{Name: "b-el8", Arch: "x86_64", Distributions: []string{"el7", "el8"}},
	{Name: "b-el9", Arch: "x86_64", Distributions: []string{"el9"}, Labels: map[string]string{"kvm": "true"}},
	{Name: "p-el8", Arch: "ppc64le", Distributions: []string{"el8"}},
	{Name: "f-30", Arch: "x86_64", Distributions: []string{"fc30"}},
}

func TestRankTable(t *testing.T) {
	ranks := DefaultRankTable()

	el7, ok := ranks.Lookup("el7")
	require.True(t, ok)
	el9, _ := ranks.Lookup("el9")
	assert.Equal(t, "el", el7.Family)
	assert.Less(t, el7.Rank, el9.Rank)

	// Lexicographic order would put el10 before el9.
	el10, _ := ranks.Lookup("el10")
	assert.Greater(t, el10.Rank, el9.Rank)

	id, _, ok := ranks.Newest("el", []string{"el8", "fc30", "el9", "el7"})
	require.True(t, ok)
	assert.Equal(t, "el9", id)

	_, ok = ranks.Lookup("gentoo")
	assert.False(t, ok)
}

func TestNewRankTableRejectsSharedIdentifier(t *testing.T) {
	_, err := NewRankTable(map[string][]string{"a": {"x"}, "b": {"x"}})
	assert.Error(t, err)
}

func TestSelect(t *testing.T) {
	ranks := DefaultRankTable()

	tests := []struct {
		name string
		req  Requirements
		job  matrix.Coordinate
		want string
	}{
		{"same by default", nil, job("x86_64", "el8"), "b-el8"},
		{"same explicit", Requirements{KeyHostDistro: "same"}, job("x86_64", "el7"), "b-el7"},
		{"newer prefers newest release", Requirements{KeyHostDistro: "newer"}, job("x86_64", "el7"), "b-el9"},
		{"newer within family only", Requirements{KeyHostDistro: "newer"}, job("x86_64", "fc30"), "f-30"},
		{"arch must match", nil, job("ppc64le", "el8"), "p-el8"},
		{"label constraint", Requirements{KeyHostDistro: "any", "kvm": "true"}, job("x86_64", "el7"), "b-el9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Select(tt.req, tt.job, fleet, ranks)
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.Name)
		})
	}
}

func TestSelectUnsatisfiable(t *testing.T) {
	ranks := DefaultRankTable()

	tests := []struct {
		name string
		req  Requirements
		job  matrix.Coordinate
	}{
		{"no host offers distribution", nil, job("x86_64", "el6")},
		{"no host of arch", nil, job("s390x", "el8")},
		{"nothing newer", Requirements{KeyHostDistro: "newer"}, job("ppc64le", "el9")},
		{"label missing", Requirements{"gpu": "true"}, job("x86_64", "el8")},
		{"bad host-distro value", Requirements{KeyHostDistro: "older"}, job("x86_64", "el8")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Select(tt.req, tt.job, fleet, ranks)
			var ure *UnsatisfiableRequirementError
			require.True(t, errors.As(err, &ure), "got %v", err)
			assert.Equal(t, tt.job, ure.Job)
		})
	}
}

func TestPoolAcquireRelease(t *testing.T) {
	pool, err := NewPool(fleet, nil)
	require.NoError(t, err)
	ctx := context.Background()

	h1, err := pool.Acquire(ctx, Requirements{KeyHostDistro: "newer"}, job("x86_64", "el7"))
	require.NoError(t, err)
	assert.Equal(t, "b-el9", h1.Name)

	// Preferred host busy: next best qualifying host.
	h2, err := pool.Acquire(ctx, Requirements{KeyHostDistro: "newer"}, job("x86_64", "el7"))
	require.NoError(t, err)
	assert.Equal(t, "b-el8", h2.Name)
	assert.Equal(t, 2, pool.Busy())

	pool.Release(h1.Name)
	pool.Release(h1.Name)
	assert.Equal(t, 1, pool.Busy())
}

func TestPoolAcquireUnsatisfiableDoesNotBlock(t *testing.T) {
	pool, err := NewPool(fleet, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = pool.Acquire(ctx, nil, job("x86_64", "el6"))
	var ure *UnsatisfiableRequirementError
	assert.ErrorAs(t, err, &ure)
	assert.Equal(t, 0, pool.Busy())
}

func TestPoolAcquireWaitsForRelease(t *testing.T) {
	pool, err := NewPool([]Host{{Name: "only", Arch: "x86_64", Distributions: []string{"el8"}}}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	h, err := pool.Acquire(ctx, nil, job("x86_64", "el8"))
	require.NoError(t, err)

	got := make(chan Host, 1)
	go func() {
		next, err := pool.Acquire(ctx, nil, job("x86_64", "el8"))
		if err == nil {
			got <- next
		}
	}()

	select {
	case <-got:
		t.Fatal("second acquire must block while the host is busy")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(h.Name)
	select {
	case next := <-got:
		assert.Equal(t, "only", next.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire did not wake after release")
	}
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	pool, err := NewPool([]Host{{Name: "only", Arch: "x86_64", Distributions: []string{"el8"}}}, nil)
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), nil, job("x86_64", "el8"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, nil, job("x86_64", "el8"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolExclusiveUnderConcurrency(t *testing.T) {
	pool, err := NewPool([]Host{
		{Name: "a", Arch: "x86_64", Distributions: []string{"el8"}},
		{Name: "b", Arch: "x86_64", Distributions: []string{"el8"}},
	}, nil)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		inUse    sync.Map
		overlaps atomic.Int32
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := pool.Acquire(context.Background(), nil, job("x86_64", "el8"))
			if err != nil {
				return
			}
			if _, loaded := inUse.LoadOrStore(h.Name, true); loaded {
				overlaps.Add(1)
			}
			time.Sleep(time.Millisecond)
			inUse.Delete(h.Name)
			pool.Release(h.Name)
		}()
	}
	wg.Wait()

	assert.Zero(t, overlaps.Load())
	assert.Equal(t, 0, pool.Busy())
}

func TestNewPoolRejectsDuplicateNames(t *testing.T) {
	_, err := NewPool([]Host{{Name: "a", Arch: "x86_64"}, {Name: "a", Arch: "x86_64"}}, nil)
	assert.Error(t, err)
}

func TestParseInventory(t *testing.T) {
	inv, err := Parse([]byte(`
distributions:
  el: [el7, el8, el9]
hosts:
  - name: builder-01
    arch: x86_64
    distributions: [el8, el9]
    labels: {kvm: "true"}
    rack: r12
  - name: builder-02
    arch: ppc64le
    distributions: [el8]
`))
	require.NoError(t, err)
	require.Len(t, inv.Hosts, 2)
	assert.Equal(t, "true", inv.Hosts[0].Labels["kvm"])

	pool, err := inv.Pool()
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Size())
	_, ok := pool.Ranks().Lookup("fc30")
	assert.False(t, ok, "custom table replaces the default one")

	_, err = Parse([]byte("hosts:\n  - name: x\n    distributions: [el8]\n"))
	assert.Error(t, err)
}
