package config

// ProxyCLI is the CLI configuration of the logging reverse proxy.
type ProxyCLI struct {
	Listen   string         `name:"listen" env:"LISTEN" default:":8000" help:"HTTP listen address."`
	Upstream string         `name:"upstream" env:"UPSTREAM" required:"" help:"Base URL of the API being logged, e.g. http://magento:80."`
	CertPath string         `name:"cert-path" env:"CERT_PATH" type:"path" help:"Serve HTTPS with server.crt and server.key from this directory."`
	Health   HealthConfig   `embed:"" prefix:"health-" envprefix:"HEALTH_"`
	Log      LogConfig      `embed:"" prefix:"log-" envprefix:"LOG_"`
	Scope    ScopeConfig    `embed:"" prefix:"scope-" envprefix:"SCOPE_"`
	Capture  CaptureConfig  `embed:"" prefix:"capture-" envprefix:"CAPTURE_"`
	Command  CommandConfig  `embed:"" prefix:"curl-" envprefix:"CURL_"`
	Identity IdentityConfig `embed:"" prefix:"identity-" envprefix:"IDENTITY_"`
}
