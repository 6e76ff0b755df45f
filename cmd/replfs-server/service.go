package main

import (
	"fmt"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-replfs/pkg/replfs"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Replica ReplicaCfg         `json:"replica"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	replicaServer *replfs.Server
	apiServer     *APIServer
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("replica", &cfg.Replica)
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddOption("p", "port", "port", "",
		"the UDP port of the multicast group")
	p.AddOption("l", "loss", "percentage", "",
		"the percentage of received datagrams to drop")

	p.AddArgument("mount-directory",
		"the directory containing the replicated files")
}

func (s *Service) DefaultCfg() interface{} {
	s.Cfg.Replica = DefaultReplicaCfg()

	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	if err := s.Cfg.Replica.Check(); err != nil {
		return fmt.Errorf("invalid replica configuration: %w", err)
	}

	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               s.Cfg.Replica.APIAddress,
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	if err := s.initReplicaServer(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initReplicaServer() error {
	p := s.Service.Program

	var port, lossPercent string

	if p.IsOptionSet("port") {
		port = p.OptionValue("port")
	}

	if p.IsOptionSet("loss") {
		lossPercent = p.OptionValue("loss")
	}

	if err := s.Cfg.Replica.ApplyOptions(port, lossPercent); err != nil {
		return fmt.Errorf("invalid command line options: %w", err)
	}

	if err := s.Cfg.Replica.Check(); err != nil {
		return fmt.Errorf("invalid replica configuration: %w", err)
	}

	mountDirectory := p.ArgumentValue("mount-directory")

	logger := s.Log.Child("replica", log.Data{
		"mount": mountDirectory,
		"port":  s.Cfg.Replica.Port,
	})

	serverCfg := s.Cfg.Replica.ServerCfg(mountDirectory, logger)

	server, err := replfs.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("cannot create replica server: %w", err)
	}

	s.replicaServer = server

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
	if err := s.replicaServer.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start replica server: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	s.replicaServer.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
}
