package config

// ExtProcCLI is the CLI configuration of the Envoy external processor.
type ExtProcCLI struct {
	GRPC     GRPCConfig     `embed:"" prefix:"grpc-" envprefix:"GRPC_"`
	Health   HealthConfig   `embed:"" prefix:"health-" envprefix:"HEALTH_"`
	Log      LogConfig      `embed:"" prefix:"log-" envprefix:"LOG_"`
	Scope    ScopeConfig    `embed:"" prefix:"scope-" envprefix:"SCOPE_"`
	Capture  CaptureConfig  `embed:"" prefix:"capture-" envprefix:"CAPTURE_"`
	Command  CommandConfig  `embed:"" prefix:"curl-" envprefix:"CURL_"`
	Identity IdentityConfig `embed:"" prefix:"identity-" envprefix:"IDENTITY_"`
}
