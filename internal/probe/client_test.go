package probe

import (
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func startHealth(t *testing.T) (*health.Server, *Client) {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	hs := health.NewServer()
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	go func() { _ = server.Serve(listener) }()

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		server.Stop()
	})
	return hs, client
}

func TestCheck(t *testing.T) {
	hs, client := startHealth(t)
	hs.SetServingStatus("gestion-api", healthpb.HealthCheckResponse_SERVING)

	ctx, cancel := WithTimeout(context.Background(), 0)
	defer cancel()

	if err := client.Check(ctx, "gestion-api"); err != nil {
		t.Fatalf("expected serving, got %v", err)
	}

	hs.SetServingStatus("gestion-api", healthpb.HealthCheckResponse_NOT_SERVING)
	if err := client.Check(ctx, "gestion-api"); !errors.Is(err, ErrNotServing) {
		t.Fatalf("expected ErrNotServing, got %v", err)
	}

	if err := client.Check(ctx, "billing"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}

func TestMapHealthError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"not found", status.Error(codes.NotFound, "unknown service"), ErrUnknownService},
		{"unavailable", status.Error(codes.Unavailable, "connection refused"), ErrUnreachable},
		{"deadline", status.Error(codes.DeadlineExceeded, "deadline"), ErrUnreachable},
		{"pass through", status.Error(codes.Internal, "internal"), status.Error(codes.Internal, "internal")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapHealthError(tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("mapHealthError() = %v, want %v", got, tc.want)
			}
		})
	}
}
