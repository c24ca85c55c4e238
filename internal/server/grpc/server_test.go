package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fenceit/trackit/internal/auth"
	"github.com/fenceit/trackit/internal/events"
	"github.com/fenceit/trackit/internal/model"
	"github.com/fenceit/trackit/internal/rates"
	"github.com/fenceit/trackit/internal/repository/memory"
	"github.com/fenceit/trackit/internal/service"
)

const bufSize = 1 << 20

var signKey = []byte("test-signing-key")

func seed(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()
	for path, fields := range map[string]map[string]any{
		model.RatesPath:             {model.FieldDefaultLaborRate: 20.0, model.FieldDefaultOverhead: 0.20},
		model.CatalogPath("POST-4"): {model.FieldName: "4x4 post", model.FieldCost: 8.50, model.FieldIsActive: true},
		model.UserPath("u1"):        {model.FieldName: "Sam", model.FieldRole: "Worker", model.FieldHourlyRate: 25.25},
	} {
		if _, _, err := store.MergeWrite(ctx, path, fields); err != nil {
			t.Fatalf("seed %s: %v", path, err)
		}
	}
}

func startBufGRPC(t *testing.T) (*Client, func()) {
	t.Helper()
	log := zaptest.NewLogger(t)

	store := memory.New()
	seed(t, store)
	resolver := rates.NewStoreResolver(store)
	agg := service.NewAggregator(store, resolver, log)
	core := service.NewRecomputer(store, resolver, agg, log, nil)
	jobs := service.NewJobService(store, &events.Inline{H: core, Log: log}, agg, log)
	srv := New(jobs,
		service.NewBackfiller(store, core, agg, log, 2),
		service.NewDailyAggregator(store, time.UTC, 4, log),
	)

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoverUnary(log),
		AuthUnary(auth.NewTokens(signKey, time.Hour)),
		LoggingUnary(log),
	))
	Register(gs, srv)
	healthpb.RegisterHealthServer(gs, health.NewServer())
	go func() { _ = gs.Serve(lis) }()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	stop := func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() }
	return NewClient(cc), stop
}

func as(t *testing.T, user string, role model.Role) context.Context {
	t.Helper()
	tok, _, err := auth.NewTokens(signKey, time.Hour).Issue(user, role)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)
}

func TestServer_EndToEndTotals(t *testing.T) {
	c, stop := startBufGRPC(t)
	defer stop()
	worker := as(t, "u1", model.RoleWorker)

	job, err := c.Call(worker, MethodCreateJob, map[string]any{"name": "Anderson Residence Fence"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	jobID := job["id"].(string)

	if _, err := c.Call(worker, MethodUpsertMaterial, map[string]any{
		"jobId": jobID, "sku": "POST-4", "quantity": 3,
	}); err != nil {
		t.Fatalf("upsert material: %v", err)
	}

	started, err := c.Call(worker, MethodStartSession, map[string]any{
		"jobId": jobID, "startedAt": "2025-01-01T08:00:00Z",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	sessionID := started["session"].(map[string]any)["id"].(string)

	stopped, err := c.Call(worker, MethodStopSession, map[string]any{
		"jobId": jobID, "sessionId": sessionID, "stoppedAt": "2025-01-01T09:00:00Z",
	})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped[model.FieldUserID] != "u1" {
		t.Fatalf("session user: %v", stopped[model.FieldUserID])
	}

	got, err := c.Call(worker, MethodGetJob, map[string]any{"jobId": jobID})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := map[string]float64{
		model.FieldMaterialCost: 25.50,
		model.FieldLaborCost:    25.25,
		model.FieldOverheadCost: 10.15,
		model.FieldTotalCost:    60.90,
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s: got %v, want %v", k, got[k], v)
		}
	}

	sessions, err := c.Call(worker, MethodListSessions, map[string]any{"jobId": jobID})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	s := sessions["sessions"].([]any)[0].(map[string]any)
	if s[model.FieldDurationSec] != 3600.0 || s[model.FieldLaborCost] != 25.25 {
		t.Fatalf("derived session fields: %v", s)
	}
}

func TestServer_ManagerOnlyMethods(t *testing.T) {
	c, stop := startBufGRPC(t)
	defer stop()
	worker := as(t, "u1", model.RoleWorker)
	admin := as(t, "boss", model.RoleAdmin)

	job, err := c.Call(worker, MethodCreateJob, map[string]any{"name": "Gate"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = c.Call(worker, MethodRecomputeJob, map[string]any{"jobId": job["id"]})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("worker recompute: want PermissionDenied, got %v", err)
	}
	_, err = c.Call(worker, MethodBackfill, nil)
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("worker backfill: want PermissionDenied, got %v", err)
	}

	totals, err := c.Call(admin, MethodRecomputeJob, map[string]any{"jobId": job["id"]})
	if err != nil {
		t.Fatalf("admin recompute: %v", err)
	}
	if totals[model.FieldTotalCost] != 0.0 {
		t.Fatalf("empty job total: %v", totals[model.FieldTotalCost])
	}

	rep, err := c.Call(admin, MethodBackfill, nil)
	if err != nil {
		t.Fatalf("admin backfill: %v", err)
	}
	if rep["jobs"] != 1.0 {
		t.Fatalf("backfill jobs: %v", rep["jobs"])
	}
}

func TestServer_ErrorsMapToCodes(t *testing.T) {
	c, stop := startBufGRPC(t)
	defer stop()
	worker := as(t, "u1", model.RoleWorker)

	_, err := c.Call(context.Background(), MethodGetJob, map[string]any{"jobId": "x"})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("no token: want Unauthenticated, got %v", err)
	}

	_, err = c.Call(worker, MethodGetJob, map[string]any{"jobId": "missing"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("missing job: want NotFound, got %v", err)
	}

	_, err = c.Call(worker, MethodCreateJob, map[string]any{"name": ""})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("empty name: want InvalidArgument, got %v", err)
	}

	job, err := c.Call(worker, MethodCreateJob, map[string]any{"name": "Gate"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = c.Call(worker, MethodStartSession, map[string]any{"jobId": job["id"], "userId": "someone-else"})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("start for other user: want PermissionDenied, got %v", err)
	}
}

func TestServer_HealthWithoutToken(t *testing.T) {
	c, stop := startBufGRPC(t)
	defer stop()

	resp, err := healthpb.NewHealthClient(c.cc).Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status: %v", resp.GetStatus())
	}
}
