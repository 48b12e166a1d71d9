package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func noopBody(context.Context, Env) (*Result, error) { return &Result{}, nil }

func TestRegistryLoadAllKeepsOrder(t *testing.T) {
	r := NewRegistry(
		TestCase{ID: "TC-02", Category: CategoryNegative, Body: noopBody},
		TestCase{ID: "TC-01", Category: CategoryCoreImpersonation, Body: noopBody},
	)
	r.Add(TestCase{ID: "TC-03", Category: CategoryNegative, Body: noopBody})

	cases, err := r.LoadAll()
	require.NoError(t, err)
	require.Len(t, cases, 3)
	require.Equal(t, "TC-02", cases[0].ID)
	require.Equal(t, "TC-01", cases[1].ID)
	require.Equal(t, "TC-03", cases[2].ID)

	negative, err := r.Filter(CategoryNegative)
	require.NoError(t, err)
	require.Len(t, negative, 2)
	require.Equal(t, "TC-02", negative[0].ID)
	require.Equal(t, "TC-03", negative[1].ID)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry(
		TestCase{ID: "TC-01", Category: CategoryCoreImpersonation, Body: noopBody},
		TestCase{ID: "TC-01", Category: CategoryNegative, Body: noopBody},
	)
	cases, err := r.LoadAll()
	require.Nil(t, cases)
	require.True(t, IsConfiguration(err))
	require.Contains(t, err.Error(), "duplicate case identifier TC-01")

	_, err = r.Filter(CategoryNegative)
	require.True(t, IsConfiguration(err))
}

func TestRegistryReportsEveryProblem(t *testing.T) {
	r := NewRegistry(
		TestCase{ID: "", Category: CategoryNegative, Body: noopBody},
		TestCase{ID: "TC-05", Category: CategoryNegative},
		TestCase{ID: "TC-06", Category: "bogus", Body: noopBody},
	)
	_, err := r.LoadAll()
	require.Error(t, err)
	cerr, ok := err.(*ConfigurationError)
	require.True(t, ok)
	require.Len(t, cerr.Invalid, 3)
	require.Contains(t, err.Error(), "TC-05 has no body")
	require.Contains(t, err.Error(), `unknown category "bogus"`)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(
		TestCase{ID: "A", Category: CategoryNegative, Body: noopBody},
		TestCase{ID: "B", Category: CategoryNegative, Body: noopBody},
	)
	cases, err := r.Lookup("B", "A")
	require.NoError(t, err)
	require.Equal(t, "B", cases[0].ID)
	require.Equal(t, "A", cases[1].ID)

	_, err = r.Lookup("C")
	require.True(t, IsConfiguration(err))
	require.Contains(t, err.Error(), "unknown case C")
}
