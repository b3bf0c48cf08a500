package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crawlins/kythira/pkg/future"
	"github.com/crawlins/kythira/pkg/raft"
	"github.com/galdor/go-service/pkg/shttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// submitTimeout bounds the wait for a command to commit and be applied.
	submitTimeout = 10 * time.Second

	// membershipTimeout bounds configuration changes; they involve two
	// commits and possibly a log catch-up phase for new servers.
	membershipTimeout = time.Minute
)

type APIServer struct {
	Service *Service
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/store", "GET", api.hStoreGET)
	api.Route("/store/:key", "GET", api.hStoreKeyGET)
	api.Route("/store/:key", "PUT", api.hStoreKeyPUT)
	api.Route("/store/:key", "DELETE", api.hStoreKeyDELETE)

	api.Route("/cluster/status", "GET", api.hClusterStatusGET)
	api.Route("/cluster/members", "PUT", api.hClusterMembersPUT)
	api.Route("/cluster/members/:id", "POST", api.hClusterMemberPOST)
	api.Route("/cluster/members/:id", "DELETE", api.hClusterMemberDELETE)

	api.Route("/metrics", "GET", api.hMetricsGET)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) hStoreGET(h *shttp.Handler) {
	h.ReplyJSON(200, api.Service.store.Keys())
}

func (api *APIServer) hStoreKeyGET(h *shttp.Handler) {
	key := h.PathVariable("key")

	value, found := api.Service.store.Get(key)
	if !found {
		h.ReplyError(404, "unknown_key", "unknown key %q", key)
		return
	}

	h.ReplyJSON(200, struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}{
		Key:   key,
		Value: value,
	})
}

func (api *APIServer) hStoreKeyPUT(h *shttp.Handler) {
	key := h.PathVariable("key")

	value, err := io.ReadAll(h.Request.Body)
	if err != nil {
		h.ReplyError(400, "invalid_request_body",
			"cannot read request body: %v", err)
		return
	}

	api.submitOp(h, &OpPut{Key: key, Value: string(value)})
}

func (api *APIServer) hStoreKeyDELETE(h *shttp.Handler) {
	key := h.PathVariable("key")

	api.submitOp(h, &OpDelete{Key: key})
}

func (api *APIServer) hClusterStatusGET(h *shttp.Handler) {
	status, err := api.Service.raftServer.Status()
	if err != nil {
		api.replyRaftError(h, err)
		return
	}

	h.ReplyJSON(200, status)
}

func (api *APIServer) hClusterMembersPUT(h *shttp.Handler) {
	body, err := io.ReadAll(h.Request.Body)
	if err != nil {
		h.ReplyError(400, "invalid_request_body",
			"cannot read request body: %v", err)
		return
	}

	var servers raft.ServerSet
	if err := json.Unmarshal(body, &servers); err != nil {
		h.ReplyError(400, "invalid_request_body",
			"cannot decode request body: %v", err)
		return
	}

	if len(servers) == 0 {
		h.ReplyError(400, "invalid_request_body", "empty server set")
		return
	}

	for id, server := range servers {
		if server.LocalAddress == "" {
			h.ReplyError(400, "invalid_request_body",
				"missing or empty local address for server %q", id)
			return
		}
	}

	api.changeConfiguration(h, servers)
}

func (api *APIServer) hClusterMemberPOST(h *shttp.Handler) {
	id := raft.ServerId(h.PathVariable("id"))

	body, err := io.ReadAll(h.Request.Body)
	if err != nil {
		h.ReplyError(400, "invalid_request_body",
			"cannot read request body: %v", err)
		return
	}

	var server raft.ServerData
	if err := json.Unmarshal(body, &server); err != nil {
		h.ReplyError(400, "invalid_request_body",
			"cannot decode request body: %v", err)
		return
	}

	if server.LocalAddress == "" {
		h.ReplyError(400, "invalid_request_body",
			"missing or empty local address")
		return
	}

	if server.PublicAddress == "" {
		server.PublicAddress = server.LocalAddress
	}

	status, err := api.Service.raftServer.Status()
	if err != nil {
		api.replyRaftError(h, err)
		return
	}

	servers := make(raft.ServerSet)
	for id2, server2 := range status.Configuration.Servers {
		servers[id2] = server2
	}

	servers[id] = server

	api.changeConfiguration(h, servers)
}

func (api *APIServer) hClusterMemberDELETE(h *shttp.Handler) {
	id := raft.ServerId(h.PathVariable("id"))

	status, err := api.Service.raftServer.Status()
	if err != nil {
		api.replyRaftError(h, err)
		return
	}

	if _, found := status.Configuration.Servers[id]; !found {
		h.ReplyError(404, "unknown_server", "unknown server %q", id)
		return
	}

	servers := make(raft.ServerSet)
	for id2, server2 := range status.Configuration.Servers {
		if id2 != id {
			servers[id2] = server2
		}
	}

	api.changeConfiguration(h, servers)
}

func (api *APIServer) hMetricsGET(h *shttp.Handler) {
	promhttp.Handler().ServeHTTP(h.ResponseWriter, h.Request)
}

func (api *APIServer) submitOp(h *shttp.Handler, op Op) {
	f := api.Service.raftServer.Submit(EncodeOp(op))

	result, err := future.WithTimeout(f, submitTimeout).Result()
	if err != nil {
		api.replyRaftError(h, err)
		return
	}

	h.ReplyJSON(200, struct {
		Index raft.LogIndex `json:"index"`
		Term  raft.Term     `json:"term"`
	}{
		Index: result.Index,
		Term:  result.Term,
	})
}

func (api *APIServer) changeConfiguration(h *shttp.Handler, servers raft.ServerSet) {
	f := api.Service.raftServer.ChangeConfiguration(servers)

	configuration, err := future.WithTimeout(f, membershipTimeout).Result()
	if err != nil {
		api.replyRaftError(h, err)
		return
	}

	h.ReplyJSON(200, configuration)
}

func (api *APIServer) replyRaftError(h *shttp.Handler, err error) {
	switch {
	case errors.Is(err, raft.ErrNotLeader):
		h.ReplyError(http.StatusServiceUnavailable, "not_leader",
			"%s", api.leaderHint())

	case errors.Is(err, raft.ErrLeadershipLost):
		h.ReplyError(http.StatusServiceUnavailable, "leadership_lost",
			"leadership was lost before the operation committed")

	case errors.Is(err, raft.ErrUnavailable):
		h.ReplyError(http.StatusServiceUnavailable, "quorum_unavailable",
			"too many servers are unreachable")

	case errors.Is(err, raft.ErrChangeInProgress):
		h.ReplyError(http.StatusConflict, "change_in_progress",
			"another configuration change is being synchronized")

	case errors.Is(err, raft.ErrStopped):
		h.ReplyError(http.StatusServiceUnavailable, "stopped",
			"the server is shutting down")

	case errors.Is(err, future.ErrTimeout):
		h.ReplyError(http.StatusGatewayTimeout, "timeout",
			"the operation did not complete in time")

	default:
		h.ReplyError(http.StatusInternalServerError, "internal_error",
			"%v", err)
	}
}

func (api *APIServer) leaderHint() string {
	status, err := api.Service.raftServer.Status()
	if err != nil || status.Leader == "" {
		return "this server is not the leader and does not know one"
	}

	hint := fmt.Sprintf("this server is not the leader; the leader is %q",
		status.Leader)

	if server, found := status.Configuration.Servers[status.Leader]; found {
		hint += fmt.Sprintf(" at %s", server.PublicAddress)
	}

	return hint
}
