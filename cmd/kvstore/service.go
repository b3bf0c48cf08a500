package main

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/crawlins/kythira/pkg/coap"
	"github.com/crawlins/kythira/pkg/metrics"
	"github.com/crawlins/kythira/pkg/raft"
	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
)

type ServiceCfg struct {
	Service   service.ServiceCfg `json:"service"`
	Raft      RaftCfg            `json:"raft"`
	API       APICfg             `json:"api"`
	Discovery DiscoveryCfg       `json:"discovery"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	store      *Store
	metrics    metrics.Metrics
	transport  *coap.Transport
	raftServer *raft.Server
	multicast  *coap.Multicast
	apiServer  *APIServer
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("raft", &cfg.Raft)
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the server identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	if _, found := s.Cfg.Raft.Servers[s.instanceId()]; !found {
		if s.Cfg.Raft.ListenAddress == "" {
			return fmt.Errorf("server %q is not part of the bootstrap "+
				"set and no listen address is configured", s.instanceId())
		}
	}

	return nil
}

func (s *Service) instanceId() raft.ServerId {
	return raft.ServerId(s.Program.ArgumentValue("id"))
}

// localAddress is the address the transport binds to. Servers part of the
// bootstrap set use the address the rest of the cluster knows them by;
// joining servers use the configured listen address.
func (s *Service) localAddress() raft.ServerAddress {
	if server, found := s.Cfg.Raft.Servers[s.instanceId()]; found {
		return server.LocalAddress
	}

	return raft.ServerAddress(s.Cfg.Raft.ListenAddress)
}

func (s *Service) publicAddress() raft.ServerAddress {
	if server, found := s.Cfg.Raft.Servers[s.instanceId()]; found {
		if server.PublicAddress != "" {
			return server.PublicAddress
		}
	}

	return s.localAddress()
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	host, _, _ := net.SplitHostPort(string(s.localAddress()))

	port := s.Cfg.API.Port
	if port == 0 {
		port = 8081
	}

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               net.JoinHostPort(host, strconv.Itoa(port)),
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.metrics = metrics.NewPrometheusMetrics(nil)
	s.store = NewStore()

	if err := s.initTransport(); err != nil {
		return err
	}

	if err := s.initRaftServer(); err != nil {
		return err
	}

	if err := s.initDiscovery(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initTransport() error {
	logger := s.Log.Child("coap", log.Data{})

	cfg := coap.TransportCfg{
		Client: coap.DefaultClientCfg(),
		Server: coap.DefaultServerCfg(),
	}

	cfg.Server.Address = string(s.localAddress())

	transport, err := coap.NewTransport(cfg, logger, s.metrics)
	if err != nil {
		return fmt.Errorf("cannot create transport: %w", err)
	}

	s.transport = transport

	return nil
}

func (s *Service) initRaftServer() error {
	instanceId := s.instanceId()

	logger := s.Log.Child("raft", log.Data{
		"instance": string(instanceId),
	})

	var tuning *raft.Tuning
	if filePath := s.Cfg.Raft.TuningFile; filePath != "" {
		t, err := raft.LoadTuning(filePath)
		if err != nil {
			return fmt.Errorf("cannot load tuning file %q: %w", filePath, err)
		}

		tuning = t
	}

	storeDir := filepath.Join(s.Cfg.Raft.DataDirectory, string(instanceId))

	serverCfg := raft.ServerCfg{
		Id:      instanceId,
		Servers: s.Cfg.Raft.Servers,

		Store:        raft.NewFileStore(storeDir),
		StateMachine: s.store,

		Client:    s.transport,
		Transport: s.transport,

		Logger:  logger,
		Metrics: s.metrics,

		Tuning: tuning,
	}

	server, err := raft.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("cannot create raft server: %w", err)
	}

	s.raftServer = server

	return nil
}

func (s *Service) initDiscovery() error {
	if !s.Cfg.Discovery.Enabled {
		return nil
	}

	logger := s.Log.Child("discovery", log.Data{})

	interval := time.Duration(s.Cfg.Discovery.AnnounceIntervalSeconds) *
		time.Second
	if interval == 0 {
		interval = 30 * time.Second
	}

	cfg := coap.MulticastCfg{
		Group:            s.Cfg.Discovery.Group,
		AnnounceInterval: interval,
	}

	local := coap.PeerInfo{
		Id:      string(s.instanceId()),
		Address: string(s.publicAddress()),
	}

	// Discovered peers are surfaced to operators; membership changes stay
	// explicit and go through the cluster API.
	onPeer := func(peer coap.PeerInfo) {
		logger.Info("discovered peer %q at %s", peer.Id, peer.Address)
	}

	multicast, err := coap.NewMulticast(cfg, local, onPeer, logger, s.metrics)
	if err != nil {
		return fmt.Errorf("cannot create discovery listener: %w", err)
	}

	s.multicast = multicast

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
	if err := s.raftServer.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start raft server: %w", err)
	}

	if s.multicast != nil {
		if err := s.multicast.Start(); err != nil {
			s.raftServer.Stop()
			return fmt.Errorf("cannot start discovery listener: %w", err)
		}
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	if s.multicast != nil {
		s.multicast.Stop()
	}

	// Stopping the raft server also stops the transport it owns.
	s.raftServer.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
}
