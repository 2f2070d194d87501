package engine

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/waygate/internal/domain"
	"github.com/xela07ax/waygate/internal/infra/auth"
)

// methodScopes — scope, который нужен для вызова метода
var methodScopes = map[string]string{
	GatewayExecuteMethod: domain.ScopeExecute,
	GatewayForwardMethod: domain.ScopeEgress,
}

func firstMD(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// UnaryTraceInterceptor — trace-id из метаданных x-trace-id или новый
func UnaryTraceInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		traceID := firstMD(md, "x-trace-id")
		if traceID == "" || len(traceID) > 128 {
			traceID = uuid.NewString()
		}
		return handler(domain.WithTraceID(ctx, traceID), req)
	}
}

// UnaryAuthInterceptor проверяет токен в метаданных gRPC вызова.
// nil Authenticator — аутентификация выключена. Health-сервис открыт всегда.
func UnaryAuthInterceptor(a auth.Authenticator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		scope, guarded := methodScopes[info.FullMethod]
		if a == nil || !guarded {
			return handler(ctx, req)
		}

		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// 2. Ищем токен или ключ (в gRPC заголовки в нижнем регистре)
		claims, err := a.Authenticate(firstMD(md, "authorization"), firstMD(md, "x-api-key"))
		if err != nil {
			logger.Warn("grpc auth failure", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Errorf(codes.Unauthenticated, "unauthorized")
		}

		// 3. Проверяем scope метода
		if !claims.HasScope(scope) {
			return nil, status.Errorf(codes.PermissionDenied, "token does not grant scope %s", scope)
		}

		// 4. Обогащаем контекст
		return handler(auth.WithClaims(ctx, claims), req)
	}
}
