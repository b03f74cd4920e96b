package main

import (
	"fmt"
	"net"
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
	"github.com/galdor/go-synod/pkg/synod"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Synod   SynodCfg           `json:"synod"`
}

// Durations are expressed in milliseconds.
type SynodCfg struct {
	Members       synod.NodeSet `json:"members"`
	DataDirectory string        `json:"dataDirectory"`
	APIPort       string        `json:"apiPort"`

	HeartbeatInterval                int `json:"heartbeatInterval"`
	MissingHeartbeatsBeforeReconnect int `json:"missingHeartbeatsBeforeReconnect"`

	MaxLeaseTimeSpan    int `json:"maxLeaseTimeSpan"`
	ClockDrift          int `json:"clockDrift"`
	MessageRoundtrip    int `json:"messageRoundtrip"`
	NodeResponseTimeout int `json:"nodeResponseTimeout"`
	RenewInterval       int `json:"renewInterval"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	metricsRegistry *prometheus.Registry

	node      *synod.Node
	apiServer *APIServer
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("synod", &cfg.Synod)
}

func (cfg *SynodCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("members", func() {
		for id, member := range cfg.Members {
			v.WithChild(string(id), func() {
				v.CheckStringNotEmpty("localAddress", string(member.LocalAddress))
				v.CheckStringNotEmpty("publicAddress", string(member.PublicAddress))
			})
		}
	})
}

func (cfg *SynodCfg) LeaseCfg() synod.LeaseCfg {
	leaseCfg := synod.DefaultLeaseCfg()

	setDuration := func(d *time.Duration, ms int) {
		if ms > 0 {
			*d = time.Duration(ms) * time.Millisecond
		}
	}

	setDuration(&leaseCfg.MaxLeaseTimeSpan, cfg.MaxLeaseTimeSpan)
	setDuration(&leaseCfg.ClockDrift, cfg.ClockDrift)
	setDuration(&leaseCfg.MessageRoundtrip, cfg.MessageRoundtrip)
	setDuration(&leaseCfg.NodeResponseTimeout, cfg.NodeResponseTimeout)
	setDuration(&leaseCfg.RenewInterval, cfg.RenewInterval)

	return leaseCfg
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the node identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	leaseCfg := s.Cfg.Synod.LeaseCfg()

	if err := leaseCfg.Validate(); err != nil {
		return fmt.Errorf("invalid lease configuration: %w", err)
	}

	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	nodeId := synod.NodeId(s.Program.ArgumentValue("id"))

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	apiPort := s.Cfg.Synod.APIPort
	if apiPort == "" {
		apiPort = "8081"
	}

	member := s.Cfg.Synod.Members[nodeId]
	host, _, _ := net.SplitHostPort(string(member.LocalAddress))

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               net.JoinHostPort(host, apiPort),
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.metricsRegistry = prometheus.NewRegistry()
	s.metricsRegistry.MustRegister(collectors.NewGoCollector())

	if err := s.initNode(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initNode() error {
	nodeId := s.Service.Program.ArgumentValue("id")

	logger := s.Log.Child("synod", log.Data{
		"node": nodeId,
	})

	cfg := s.Cfg.Synod

	synodCfg := synod.SynodCfg{
		LocalNode: synod.NodeId(nodeId),
		Members:   cfg.Members,

		HeartbeatInterval: time.Duration(cfg.HeartbeatInterval) *
			time.Millisecond,
		MissingHeartbeatsBeforeReconnect: cfg.MissingHeartbeatsBeforeReconnect,
	}

	metricsHandler := promhttp.HandlerFor(s.metricsRegistry,
		promhttp.HandlerOpts{})

	nodeCfg := synod.NodeCfg{
		Synod: synodCfg,
		Lease: cfg.LeaseCfg(),

		DataDirectory: cfg.DataDirectory,

		MetricsHandler: metricsHandler,

		Logger:  logger,
		Metrics: synod.NewMetrics(s.metricsRegistry),

		OnLeadershipChange: func(state synod.LeadershipState) {
			logger.Info("leadership state: %s", state)
		},
	}

	node, err := synod.NewNode(nodeCfg)
	if err != nil {
		return fmt.Errorf("cannot create synod node: %w", err)
	}

	s.node = node

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.node.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start synod node: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	s.node.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
}
