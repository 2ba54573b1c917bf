package models

import "time"

// InstanceStatus is a state in the instance lifecycle state machine
// encoded in internal/instance/transitions.go. Transitions outside it
// are rejected with a conflict error whose message starts with
// INVALID_TRANSITION.
type InstanceStatus string

const (
	StatusCreating       InstanceStatus = "CREATING"
	StatusStarting       InstanceStatus = "STARTING"
	StatusHealthChecking InstanceStatus = "HEALTH_CHECKING"
	StatusReady          InstanceStatus = "READY"
	StatusStopping       InstanceStatus = "STOPPING"
	StatusExited         InstanceStatus = "EXITED"
	StatusMigrating      InstanceStatus = "MIGRATING"
	StatusFailed         InstanceStatus = "FAILED"
)

// PortType is the protocol a configured port speaks.
type PortType string

const (
	PortTCP   PortType = "tcp"
	PortHTTP  PortType = "http"
	PortHTTPS PortType = "https"
)

// Port is one exposed endpoint of a template/instance.
type Port struct {
	Port int      `json:"port"`
	Type PortType `json:"type"`
}

// EnvVar is one environment variable passed to the instance.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Connection holds the endpoints resolved once an instance is reachable.
type Connection struct {
	SSH        string `json:"ssh,omitempty"`
	Jupyter    string `json:"jupyter,omitempty"`
	WebTerminal string `json:"webTerminal,omitempty"`
}

// EndpointStatus classifies the outcome of the most recent probe.
type EndpointStatus string

const (
	EndpointPending EndpointStatus = "PENDING"
	EndpointOK      EndpointStatus = "OK"
	EndpointFailed  EndpointStatus = "FAILED"
)

// EndpointProgress is the per-endpoint readiness probing state, written
// into InstanceState.HealthCheck by the worker's HEALTH_CHECK handler.
type EndpointProgress struct {
	Endpoint      string         `json:"endpoint"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"lastError,omitempty"`
	LastCheckedAt time.Time      `json:"lastCheckedAt"`
	Status        EndpointStatus `json:"status"`
}

// HealthCheck is the aggregate readiness-probing progress for an
// instance across all its configured endpoints.
type HealthCheck struct {
	Endpoints []EndpointProgress `json:"endpoints"`
	Status    EndpointStatus     `json:"status"`
}

// Timestamps groups the lifecycle instants tracked on an InstanceState.
type Timestamps struct {
	CreatedAt     time.Time  `json:"createdAt"`
	ReadyAt       *time.Time `json:"readyAt,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	StoppedAt     *time.Time `json:"stoppedAt,omitempty"`
	FailedAt      *time.Time `json:"failedAt,omitempty"`
	LastUpdatedAt time.Time  `json:"lastUpdatedAt"`
}

// InstanceState is the authoritative per-managed-instance record, owned
// exclusively by internal/instance.Store.
type InstanceState struct {
	ID                 string         `json:"id"`
	UpstreamID         string         `json:"upstreamId,omitempty"`
	Name               string         `json:"name"`
	Status             InstanceStatus `json:"status"`
	ProductID          string         `json:"productId"`
	Region             string         `json:"region"`
	GPUNum             int            `json:"gpuNum"`
	RootfsSize         int            `json:"rootfsSize"`
	TemplateID         string         `json:"templateId"`
	Ports              []Port         `json:"ports"`
	Envs               []EnvVar       `json:"envs"`
	Connection         *Connection    `json:"connection,omitempty"`
	Timestamps         Timestamps     `json:"timestamps"`
	HealthCheck        *HealthCheck   `json:"healthCheck,omitempty"`
	StartupOperationID string         `json:"startupOperationId,omitempty"`
	WebhookURL         string         `json:"webhookUrl,omitempty"`
	LastError          string         `json:"lastError,omitempty"`
	LastJobID          string         `json:"lastJobId,omitempty"`
}

// Product is one spot-priced SKU available in a region.
type Product struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Region              string  `json:"region"`
	SpotPriceUSDPerHour float64 `json:"spotPriceUsdPerHour"`
	Availability        bool    `json:"availability"`
}

// TemplateConfig is the resolved, provider-ready template payload,
// including the opaque registry-auth string when the template needs
// private-image credentials.
type TemplateConfig struct {
	ID         string   `json:"id"`
	ImageURL   string   `json:"imageUrl"`
	ImageAuth  string   `json:"imageAuth,omitempty"`
	ImageAuthID string  `json:"imageAuthId,omitempty"`
	Ports      []Port   `json:"ports"`
	Envs       []EnvVar `json:"envs"`
}

// Template is a provider-stored instance template.
type Template struct {
	ID          string   `json:"id"`
	ImageURL    string   `json:"imageUrl"`
	ImageAuthID string   `json:"imageAuthId,omitempty"`
	Ports       []Port   `json:"ports"`
	Envs        []EnvVar `json:"envs"`
}

// RegistryAuth is a resolved private-image credential pair.
type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegionConfig is one candidate region for product selection.
type RegionConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// MigrationCandidate is an instance the provider has flagged for
// reclamation and that the scheduler should migrate.
type MigrationCandidate struct {
	InstanceID string    `json:"instanceId"`
	UpstreamID string    `json:"upstreamId"`
	Reason     string    `json:"reason"`
	FlaggedAt  time.Time `json:"flaggedAt"`
}

// Endpoint is one HTTP health-probe target for an instance.
type Endpoint struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Path           string `json:"path"`
	Protocol       string `json:"protocol"`
	ExpectedStatus int    `json:"expectedStatus,omitempty"`
	ErrorIndicator string `json:"errorIndicator,omitempty"`
	Method         string `json:"method,omitempty"`
}

// ProbeConfig tunes the readiness prober for one HEALTH_CHECK job.
type ProbeConfig struct {
	TimeoutMs    int64 `json:"timeoutMs"`
	RetryAttempts int  `json:"retryAttempts"`
	RetryDelayMs int64 `json:"retryDelayMs"`
	MaxWaitMs    int64 `json:"maxWaitMs"`
}
