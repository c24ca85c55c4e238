package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenceit/trackit/internal/auth"
	"github.com/fenceit/trackit/internal/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("TRACKIT_STORE", "memory")
	t.Setenv("TRACKIT_JWT_KEY", "test-key")
	t.Setenv("TRACKIT_TIME_ZONE", "UTC")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseRole(t *testing.T) {
	for _, r := range []model.Role{model.RoleAdmin, model.RoleSupervisor, model.RoleWorker} {
		got, err := parseRole(string(r))
		require.NoError(t, err)
		require.Equal(t, r, got)
	}
	_, err := parseRole("Welder")
	require.Error(t, err)
}

func TestRoot_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range newRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "backfill", "aggregate-daily", "token"} {
		require.True(t, names[want], want)
	}
}

func TestTokenCmd_IssuesVerifiableToken(t *testing.T) {
	out, err := execute(t, "token", "u1", "--role", "Supervisor", "--ttl", "1h")
	require.NoError(t, err)

	var resp struct {
		AccessToken string    `json:"access_token"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))

	p, err := auth.NewTokens([]byte("test-key"), time.Hour).Verify(resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, auth.Principal{UserID: "u1", Role: model.RoleSupervisor}, p)
}

func TestTokenCmd_UnknownRole(t *testing.T) {
	_, err := execute(t, "token", "u1", "--role", "Owner")
	require.Error(t, err)
}

func TestBackfillCmd_EmptyStore(t *testing.T) {
	out, err := execute(t, "backfill")
	require.NoError(t, err)
	require.JSONEq(t, `{"Scanned":0,"Updated":0,"NotReady":0,"Jobs":0,"Conflicts":0}`, out)
}

func TestAggregateDailyCmd_EmptyStore(t *testing.T) {
	out, err := execute(t, "aggregate-daily", "--at", "2025-03-10T09:00:00Z")
	require.NoError(t, err)

	var agg model.DailyAggregate
	require.NoError(t, json.Unmarshal([]byte(out), &agg))
	require.Equal(t, "20250309", agg.Day)
	require.Zero(t, agg.SessionCount)
}

func TestMigrateCmd_RejectsMemoryStore(t *testing.T) {
	_, err := execute(t, "migrate")
	require.Error(t, err)
}
