package resource

// Exposure is one named port an App exposes; AppController fans it out
// into a child Service.
type Exposure struct {
	Name string      `json:"name"`
	Port int         `json:"port"`
	Bind ServiceBind `json:"bind"`
}

// AppSpec is a convenience aggregate: one Machine plus one Service per
// named exposure (spec.md §3, §4.10.3).
type AppSpec struct {
	Meta Meta `json:"meta"`

	Image         string            `json:"image"`
	CPUCount      int               `json:"cpu_count"`
	MemoryMB      int               `json:"memory_mb"`
	Mode          MachineMode       `json:"mode"`
	RestartPolicy RestartPolicy     `json:"restart_policy"`
	Env           map[string]string `json:"env,omitempty"`
	Command       []string          `json:"command,omitempty"`
	Volumes       []VolumeMount     `json:"volumes,omitempty"`
	NetworkTag    string            `json:"network_tag,omitempty"`

	Expose map[string]Exposure `json:"expose,omitempty"`
}

// AllocatedService records one child Service derived from an App.
type AllocatedService struct {
	Name   string `json:"name"`
	Hash   string `json:"hash"`
	Domain string `json:"domain,omitempty"`
}

// AppStatus is the controller-owned observed state of an App.
type AppStatus struct {
	Meta Meta `json:"meta"`

	MachineHash       string                      `json:"machine_hash,omitempty"`
	MachineName       string                      `json:"machine_name,omitempty"`
	AllocatedServices map[string]AllocatedService `json:"allocated_services,omitempty"`
	ErrorMsg          string                      `json:"error_msg,omitempty"`
}
