package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// stubHandler is a no-op gRPC handler used in interceptor tests.
func stubHandler(_ context.Context, _ any) (any, error) {
	return "ok", nil
}

// stubStream carries a context for stream interceptor tests.
type stubStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s stubStream) Context() context.Context { return s.ctx }

func TestCheckBearer(t *testing.T) {
	for _, tc := range []struct {
		name   string
		header string
		want   error
	}{
		{name: "Missing", header: "", want: errMissingAuth},
		{name: "WrongScheme", header: "Basic secret", want: errAuthScheme},
		{name: "WrongToken", header: "Bearer wrong", want: errBadToken},
		{name: "Prefix", header: "Bearer secret2", want: errBadToken},
		{name: "Correct", header: "Bearer secret"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := checkBearer(tc.header, "secret"); !errors.Is(err, tc.want) {
				t.Fatalf("checkBearer(%q) = %v, want %v", tc.header, err, tc.want)
			}
		})
	}
}

func TestAuthInterceptor(t *testing.T) {
	withAuth := func(v string) context.Context {
		return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", v))
	}
	for _, tc := range []struct {
		name   string
		token  string
		ctx    context.Context
		method string
		want   codes.Code
	}{
		{name: "Disabled", token: "", ctx: context.Background(), method: AdminStatusMethod, want: codes.OK},
		{name: "HealthExempt", token: "secret", ctx: context.Background(), method: "/grpc.health.v1.Health/Check", want: codes.OK},
		{name: "ReflectionExempt", token: "secret", ctx: context.Background(), method: "/grpc.reflection.v1.ServerReflection/ServerReflectionInfo", want: codes.OK},
		{name: "MissingMetadata", token: "secret", ctx: context.Background(), method: AdminStatusMethod, want: codes.Unauthenticated},
		{
			name:   "MissingAuthHeader",
			token:  "secret",
			ctx:    metadata.NewIncomingContext(context.Background(), metadata.Pairs("other", "value")),
			method: AdminStatusMethod,
			want:   codes.Unauthenticated,
		},
		{name: "WrongToken", token: "secret", ctx: withAuth("Bearer wrong"), method: AdminStatusMethod, want: codes.Unauthenticated},
		{name: "InvalidScheme", token: "secret", ctx: withAuth("Basic secret"), method: AdminStatusMethod, want: codes.Unauthenticated},
		{name: "CorrectToken", token: "secret", ctx: withAuth("Bearer secret"), method: AdminStatusMethod, want: codes.OK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := AuthInterceptor(tc.token)(tc.ctx, nil, &grpc.UnaryServerInfo{FullMethod: tc.method}, stubHandler)
			if got := status.Code(err); got != tc.want {
				t.Fatalf("code = %v, want %v (err %v)", got, tc.want, err)
			}
			if tc.want == codes.OK && resp != "ok" {
				t.Fatalf("expected 'ok', got %v", resp)
			}
		})
	}
}

func TestStreamAuthInterceptor(t *testing.T) {
	called := false
	handler := func(any, grpc.ServerStream) error {
		called = true
		return nil
	}
	interceptor := StreamAuthInterceptor("secret")

	err := interceptor(nil, stubStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: "/booger.admin.v1.Admin/Watch"}, handler)
	if status.Code(err) != codes.Unauthenticated || called {
		t.Fatalf("expected Unauthenticated without calling handler, got %v (called %v)", err, called)
	}

	err = interceptor(nil, stubStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}, handler)
	if err != nil || !called {
		t.Fatalf("expected health watch to pass, got %v (called %v)", err, called)
	}
}

func TestAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	for _, tc := range []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{name: "NoHeader", token: "secret", want: http.StatusUnauthorized},
		{name: "WrongToken", token: "secret", header: "Bearer wrong", want: http.StatusUnauthorized},
		{name: "InvalidScheme", token: "secret", header: "Basic secret", want: http.StatusUnauthorized},
		{name: "CorrectToken", token: "secret", header: "Bearer secret", want: http.StatusOK},
		{name: "Disabled", token: "", want: http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			AuthMiddleware(tc.token, ok).ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d; body: %s", tc.want, rec.Code, rec.Body.String())
			}
			if tc.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestRecoveryInterceptor(t *testing.T) {
	panicking := func(context.Context, any) (any, error) {
		panic("boom")
	}
	_, err := RecoveryInterceptor(slog.Default())(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: AdminStatusMethod}, panicking)
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", status.Code(err))
	}
}

func TestStreamRecoveryInterceptor(t *testing.T) {
	panicking := func(any, grpc.ServerStream) error {
		panic("boom")
	}
	err := StreamRecoveryInterceptor(slog.Default())(nil, stubStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}, panicking)
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", status.Code(err))
	}
}

func TestLoggingInterceptorPassesThrough(t *testing.T) {
	want := status.Error(codes.NotFound, "nope")
	failing := func(context.Context, any) (any, error) { return nil, want }
	_, err := LoggingInterceptor(slog.Default())(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: AdminStatusMethod}, failing)
	if !errors.Is(err, want) {
		t.Fatalf("expected handler error, got %v", err)
	}
}
