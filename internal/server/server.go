// ============================================================================
// gRPC Health Server - 供負載平衡器與 orchestrator 探測
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以 grpc.health.v1 協定回報 coordinator 健康狀態
//
// 服務名稱:
//   ""                     整體狀態
//   dispatchd.Coordinator  同上，供指定服務名稱的探測使用
//
// 狀態每 refresh 間隔依 HealthSource 更新一次；Run 結束前先切為
// NOT_SERVING，讓探測方在連線關閉前就停止導入流量。
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ChuLiYu/analysis-dispatch/internal/logging"
)

var log = logging.For("grpc")

// ServiceName coordinator 的 health 服務名稱
const ServiceName = "dispatchd.Coordinator"

// HealthSource 提供健康狀態的元件（controller）
type HealthSource interface {
	Healthy() bool
}

// Server gRPC health 伺服器
type Server struct {
	addr     string
	source   HealthSource
	interval time.Duration

	grpc   *grpc.Server
	health *health.Server
}

// New 建立 Server
//
// 參數：
//   - addr: 監聽位址，例如 ":50051"
//   - source: 健康狀態來源，nil 表示永遠 SERVING
//   - interval: 狀態刷新間隔，<= 0 時為 5 秒
func New(addr string, source HealthSource, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Server{
		addr:     addr,
		source:   source,
		interval: interval,
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.Refresh()
	return s
}

// Refresh 依 HealthSource 更新狀態並回傳目前狀態
func (s *Server) Refresh() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if s.source != nil && !s.source.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Run 在 addr 上監聽直到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve 在指定 listener 上服務直到 ctx 取消
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", lis.Addr().String()).Info("gRPC health server listening")
		errCh <- s.grpc.Serve(lis)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := s.Refresh()
	for {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server failed: %w", err)
			}
			return nil
		case <-ticker.C:
			if now := s.Refresh(); now != last {
				log.WithField("status", now.String()).Info("Health status changed")
				last = now
			}
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			log.Info("gRPC health server stopped")
			return nil
		}
	}
}
