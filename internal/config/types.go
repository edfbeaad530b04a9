package config

// ServiceDef is one service as written in the service file or posted to the admin API.
// The same tags serve YAML and JSON so both surfaces accept one shape.
type ServiceDef struct {
	ListenPort int         `yaml:"listen_port" json:"listen_port"`
	Protocol   string      `yaml:"protocol" json:"protocol"`
	TLS        *TLSDef     `yaml:"tls,omitempty" json:"tls,omitempty"`
	Timeouts   TimeoutsDef `yaml:"timeouts,omitempty" json:"timeouts,omitempty"`
	Routes     []RouteDef  `yaml:"routes" json:"routes"`
}

// TLSDef names PEM files; the loader reads them, listeners only see bytes.
type TLSDef struct {
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

type TimeoutsDef struct {
	Upstream string `yaml:"upstream,omitempty" json:"upstream,omitempty"`
	Idle     string `yaml:"idle,omitempty" json:"idle,omitempty"`
}

type RouteDef struct {
	Name        string          `yaml:"name,omitempty" json:"name,omitempty"`
	Match       MatchDef        `yaml:"match" json:"match"`
	Auth        *AuthDef        `yaml:"auth,omitempty" json:"auth,omitempty"`
	RateLimit   *RateLimitDef   `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	HealthCheck *HealthCheckDef `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	Cluster     ClusterDef      `yaml:"cluster" json:"cluster"`
}

type MatchDef struct {
	Host       string      `yaml:"host,omitempty" json:"host,omitempty"`
	PathPrefix string      `yaml:"path_prefix,omitempty" json:"path_prefix,omitempty"`
	Headers    []HeaderDef `yaml:"headers,omitempty" json:"headers,omitempty"`
}

type HeaderDef struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
	Regex string `yaml:"regex,omitempty" json:"regex,omitempty"`
}

type AuthDef struct {
	Allow          []string    `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny           []string    `yaml:"deny,omitempty" json:"deny,omitempty"`
	RequireHeaders []HeaderDef `yaml:"require_headers,omitempty" json:"require_headers,omitempty"`
}

type RateLimitDef struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

type HealthCheckDef struct {
	Path     string `yaml:"path,omitempty" json:"path,omitempty"`
	Interval string `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout  string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

type ClusterDef struct {
	Strategy     string `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	HealthPolicy string `yaml:"health_policy,omitempty" json:"health_policy,omitempty"`
	// Backends holds either endpoint strings or {endpoint, weight} objects.
	Backends []any `yaml:"backends" json:"backends"`
	// TLS applies to https backends only.
	TLS *UpstreamTLSDef `yaml:"tls,omitempty" json:"tls,omitempty"`
}

type UpstreamTLSDef struct {
	CAFile             string `yaml:"ca_file,omitempty" json:"ca_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty" json:"server_name,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`
}
