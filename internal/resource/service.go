package resource

// ServiceProtocol is the application protocol of a service's target/bind.
type ServiceProtocol string

const (
	ProtoHTTP  ServiceProtocol = "http"
	ProtoHTTPS ServiceProtocol = "https"
	ProtoTLS   ServiceProtocol = "tls"
	ProtoTCP   ServiceProtocol = "tcp"
)

// ServiceTarget names the backend machine and port a Service fronts.
type ServiceTarget struct {
	MachineName string          `json:"machine_name"`
	Port        int             `json:"port"`
	Protocol    ServiceProtocol `json:"protocol"`
}

// ServiceBind is the binding mode exposed for the service.
type ServiceBind struct {
	Internal *InternalBind `json:"internal,omitempty"`
	External *ExternalBind `json:"external,omitempty"`
	Tcp      *struct{}     `json:"tcp,omitempty"`
}

type InternalBind struct {
	Port int `json:"port,omitempty"` // 0 means "derive from target.Port"
}

type ExternalBind struct {
	Host     string          `json:"host"`
	Port     int             `json:"port,omitempty"`
	Protocol ServiceProtocol `json:"protocol"` // Http | Https | Tls
}

// ServiceSpec declares how a Machine is exposed.
type ServiceSpec struct {
	Meta   Meta          `json:"meta"`
	Target ServiceTarget `json:"target"`
	Bind   ServiceBind   `json:"bind"`
}

// ServiceStatus is the controller-owned observed state of a Service.
type ServiceStatus struct {
	Meta Meta `json:"meta"`

	ServiceIP    string `json:"service_ip,omitempty"`
	ServicePort  int    `json:"service_port,omitempty"` // dynamically allocated TCP port, when Bind.Tcp is set
	ExternalHost string `json:"external_host,omitempty"` // tracked for domain-ownership release on delete
	ErrorMsg     string `json:"error_msg,omitempty"`
}
