package inmem_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldlab/missionctl/internal/mission"
	"github.com/fieldlab/missionctl/internal/outputstore"
	"github.com/fieldlab/missionctl/internal/outputstore/inmem"
)

func TestGetReturnsErrNotFoundForMissingKey(t *testing.T) {
	s := inmem.New()
	_, err := s.Get(context.Background(), "ghost")
	require.True(t, errors.Is(err, outputstore.ErrNotFound))
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s := inmem.New()
	rec := mission.OutputRecord{Findings: []string{"f1", "f2"}}
	require.NoError(t, s.Put(context.Background(), "a1", rec))

	got, err := s.Get(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestPutReplacesPriorRecord(t *testing.T) {
	s := inmem.New()
	require.NoError(t, s.Put(context.Background(), "a1", mission.OutputRecord{Findings: []string{"first"}}))
	require.NoError(t, s.Put(context.Background(), "a1", mission.OutputRecord{Findings: []string{"second"}}))

	got, err := s.Get(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, []string{"second"}, got.Findings)
}

func TestGetManySkipsMissingKeys(t *testing.T) {
	s := inmem.New()
	require.NoError(t, s.Put(context.Background(), "a1", mission.OutputRecord{Findings: []string{"f1"}}))

	out, err := s.GetMany(context.Background(), []string{"a1", "ghost"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Contains(t, out, "a1")
}
