package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ChuLiYu/analysis-dispatch/internal/registry"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// RegisterResponse 註冊回應
type RegisterResponse struct {
	NodeID        string     `json:"node_id"`
	ConfigVersion int64      `json:"config_version"`
	Node          types.Node `json:"node"`
}

// HeartbeatResponse 心跳回應
type HeartbeatResponse struct {
	Node          types.NodeView `json:"node"`
	ConfigVersion int64          `json:"config_version"`
}

func (s *Server) register(c echo.Context) error {
	var req registry.RegisterRequest
	if err := bind(c, &req); err != nil {
		return failErr(c, err)
	}
	ctx := c.Request().Context()

	node, err := s.deps.Registry.Register(ctx, req)
	if err != nil {
		return failErr(c, err)
	}
	version, err := s.deps.Rules.Current(ctx)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, http.StatusOK, RegisterResponse{NodeID: node.NodeID, ConfigVersion: version, Node: node})
}

func (s *Server) heartbeat(c echo.Context) error {
	var req registry.HeartbeatRequest
	if err := bind(c, &req); err != nil {
		return failErr(c, err)
	}
	ctx := c.Request().Context()

	node, err := s.deps.Registry.Heartbeat(ctx, req)
	if err != nil {
		return failErr(c, err)
	}
	version, err := s.deps.Rules.Current(ctx)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, http.StatusOK, HeartbeatResponse{
		Node:          types.NodeView{Node: node, Status: s.deps.Registry.Status(node)},
		ConfigVersion: version,
	})
}

func (s *Server) listNodes(c echo.Context) error {
	f := registry.Filter{
		Status:     types.NodeStatus(c.QueryParam("status")),
		Capability: c.QueryParam("capability"),
	}
	switch f.Status {
	case "", types.StatusOnline, types.StatusOffline:
	default:
		return fail(c, http.StatusBadRequest, fmt.Errorf("unknown status %q", f.Status))
	}

	nodes, err := s.deps.Registry.List(c.Request().Context(), f)
	if err != nil {
		return failErr(c, err)
	}
	return okList(c, nodes)
}

func (s *Server) nodeStats(c echo.Context) error {
	stats, err := s.deps.Registry.Stats(c.Request().Context())
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, http.StatusOK, stats)
}

func (s *Server) getNode(c echo.Context) error {
	node, err := s.deps.Registry.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, http.StatusOK, node)
}

func (s *Server) deregister(c echo.Context) error {
	if err := s.deps.Registry.Deregister(c.Request().Context(), c.Param("id")); err != nil {
		return failErr(c, err)
	}
	return okMessage(c, "node deregistered", nil)
}
