package main

import (
	"time"

	"github.com/galdor/go-service/pkg/shttp"
	"github.com/galdor/go-synod/pkg/synod"
)

type APIServer struct {
	Service *Service
}

type LeaseView struct {
	Owner         synod.NodeId      `json:"owner,omitempty"`
	OwnerEndpoint synod.NodeAddress `json:"ownerEndpoint,omitempty"`
	ExpiresAt     *time.Time        `json:"expiresAt,omitempty"`
	Valid         bool              `json:"valid"`
}

type LeaderView struct {
	Node     synod.NodeId          `json:"node"`
	State    synod.LeadershipState `json:"state"`
	IsLeader bool                  `json:"isLeader"`
	Leader   synod.NodeId          `json:"leader,omitempty"`
}

type SynodView struct {
	LocalNode   synod.NodeId   `json:"localNode"`
	Members     []synod.NodeId `json:"members"`
	LiveMembers []synod.NodeId `json:"liveMembers"`
	Quorum      int            `json:"quorum"`
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
	api.Route("/lease", "GET", api.hLeaseGET)
	api.Route("/leader", "GET", api.hLeaderGET)
	api.Route("/synod", "GET", api.hSynodGET)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) hLeaseGET(h *shttp.Handler) {
	lease := api.Service.node.LeaseProvider().GetLease()

	var view LeaseView

	if lease != nil {
		expiresAt := lease.ExpiresAt

		view = LeaseView{
			Owner:         lease.OwnerId,
			OwnerEndpoint: lease.OwnerEndpoint,
			ExpiresAt:     &expiresAt,
			Valid:         lease.IsValid(time.Now()),
		}
	}

	h.ReplyJSON(200, &view)
}

func (api *APIServer) hLeaderGET(h *shttp.Handler) {
	node := api.Service.node
	provider := node.LeaseProvider()

	view := LeaderView{
		Node:     node.Synod.LocalNode(),
		State:    provider.State(),
		IsLeader: provider.IsLeader(),
	}

	if lease := provider.GetLease(); lease.IsValid(time.Now()) {
		view.Leader = lease.OwnerId
	}

	h.ReplyJSON(200, &view)
}

func (api *APIServer) hSynodGET(h *shttp.Handler) {
	node := api.Service.node

	view := SynodView{
		LocalNode:   node.Synod.LocalNode(),
		Members:     node.Synod.Members(),
		LiveMembers: node.LiveMembers(),
		Quorum:      node.Synod.Quorum(),
	}

	h.ReplyJSON(200, &view)
}
