package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/castingclouds/agentengine/pkg/engine"
	"github.com/castingclouds/agentengine/pkg/execution"
	"github.com/castingclouds/agentengine/pkg/ids"
	"github.com/castingclouds/agentengine/pkg/streambus"
)

// executeHandler handles POST /agents/:agent_id/execute. The call blocks
// until the run reaches a terminal state (§4.4 — "synchronous-looking in the
// result sense"); a failed provider run is still a 200 with status "failed"
// (§6), 4xx/5xx is reserved for request validation and infrastructure errors.
func (s *Server) executeHandler(c *echo.Context) error {
	var req ExecuteAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	facade := s.registry.GetFacade(tenantID(c))
	activity := engine.ActivityConfig{
		AgentID:       ids.AgentID(c.Param("agent_id")),
		InputMapping:  req.InputMapping,
		OutputMapping: req.OutputMapping,
	}

	exec, err := facade.Execute(c.Request().Context(), activity, req.Context)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, executionResponse(exec))
}

// streamHandler handles POST /agents/:agent_id/stream: starts the execution
// in the background and streams its events as SSE, terminating the response
// once the run reaches a terminal event.
func (s *Server) streamHandler(c *echo.Context) error {
	var req ExecuteAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	tenant := tenantID(c)
	facade := s.registry.GetFacade(tenant)
	activity := engine.ActivityConfig{
		AgentID:       ids.AgentID(c.Param("agent_id")),
		InputMapping:  req.InputMapping,
		OutputMapping: req.OutputMapping,
	}

	// Subscribe before starting the execution: it runs synchronously to
	// completion, so any subscription created afterward would miss every
	// event it publishes. The engine always publishes a thinking-status
	// event first, carrying the real execution id, so that first matching
	// event both reveals execID and must itself be replayed to the client.
	sub := s.bus.Subscribe()

	errCh := make(chan error, 1)
	go func() {
		_, err := facade.Execute(c.Request().Context(), activity, req.Context)
		errCh <- err
	}()

	ctx := c.Request().Context()
	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				sub.Unsubscribe()
				return nil
			}
			if event.TenantID != tenant {
				continue
			}
			defer sub.Unsubscribe()
			return s.tailSSE(c, sub, tenant, event.ExecutionID, []streambus.StreamEvent{event})

		case err := <-errCh:
			sub.Unsubscribe()
			if err != nil {
				return mapError(err)
			}
			// Execute succeeded but published nothing matching this tenant
			// before returning; nothing left to stream.
			return nil

		case <-ctx.Done():
			sub.Unsubscribe()
			return nil
		}
	}
}

// wsHandler handles GET /agents/:agent_id/ws: upgrades to a socket connection
// scoped to the caller's tenant (§4.8).
func (s *Server) wsHandler(c *echo.Context) error {
	facade := s.registry.GetFacade(tenantID(c))
	conn, err := s.upgrade(c)
	if err != nil {
		return err
	}
	s.handleSocket(c.Request().Context(), conn, facade)
	return nil
}

// listExecutionsHandler handles GET /agents/:agent_id/executions.
func (s *Server) listExecutionsHandler(c *echo.Context) error {
	tenant := tenantID(c)
	agentID := ids.AgentID(c.Param("agent_id"))
	facade := s.registry.GetFacade(tenant)

	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	statusFilter := execution.Status(c.QueryParam("status"))

	all, err := facade.Storage().ListForAgent(c.Request().Context(), tenant, agentID)
	if err != nil {
		return mapError(err)
	}

	filtered := make([]execution.AgentExecution, 0, len(all))
	for _, e := range all {
		if statusFilter != "" && e.Status != statusFilter {
			continue
		}
		filtered = append(filtered, e)
	}

	total := len(filtered)
	end := offset + limit
	if offset > total {
		offset = total
	}
	if end > total {
		end = total
	}
	page := filtered[offset:end]

	summaries := make([]ExecutionSummary, 0, len(page))
	for _, e := range page {
		summaries = append(summaries, ExecutionSummary{
			ExecutionID: e.ID.String(),
			AgentID:     e.AgentID.String(),
			Status:      string(e.Status),
			CreatedAt:   e.StartedAt,
			CompletedAt: e.CompletedAt,
			HasError:    e.Error != "",
		})
	}

	pageNum := 1
	if limit > 0 {
		pageNum = offset/limit + 1
	}

	return c.JSON(http.StatusOK, &ExecutionsPage{
		Executions: summaries,
		Total:      total,
		Page:       pageNum,
		PageSize:   limit,
	})
}

// getExecutionHandler handles GET /agents/:agent_id/executions/:execution_id.
func (s *Server) getExecutionHandler(c *echo.Context) error {
	tenant := tenantID(c)
	facade := s.registry.GetFacade(tenant)
	exec, err := facade.Storage().GetExecution(c.Request().Context(), tenant, ids.ExecutionID(c.Param("execution_id")))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, executionResponse(exec))
}

// getExecutionStreamHandler handles
// GET /agents/:agent_id/executions/:execution_id/stream: an SSE tail of an
// already-running execution. An execution already in a terminal state gets
// its JSON execution record instead of an SSE stream.
func (s *Server) getExecutionStreamHandler(c *echo.Context) error {
	tenant := tenantID(c)
	facade := s.registry.GetFacade(tenant)
	execID := ids.ExecutionID(c.Param("execution_id"))

	exec, err := facade.Storage().GetExecution(c.Request().Context(), tenant, execID)
	if err != nil {
		return mapError(err)
	}
	if exec.Status.Terminal() {
		return c.JSON(http.StatusOK, executionResponse(exec))
	}
	return s.streamExecution(c, tenant, execID)
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &HealthResponse{Status: "healthy"})
}

func executionResponse(exec execution.AgentExecution) *ExecutionResponse {
	return &ExecutionResponse{
		ExecutionID: exec.ID.String(),
		AgentID:     exec.AgentID.String(),
		Status:      string(exec.Status),
		Output:      exec.Output,
		Error:       exec.Error,
		CreatedAt:   exec.StartedAt,
		Context:     exec.Context,
	}
}

func queryInt(c *echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
