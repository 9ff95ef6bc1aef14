package machine

// Command is one inbox item for the state machine actor (spec.md §4.7).
// User commands carry a reply channel; system and flash events don't.
type Command struct {
	Kind    CommandKind
	Message string       // VcpuError detail
	Reply   chan<- error // set for UserStart/UserStop/UserSuspend
}

// CommandKind enumerates every command the state machine accepts.
type CommandKind string

const (
	CmdUserStart   CommandKind = "user_start"
	CmdUserStop    CommandKind = "user_stop"
	CmdUserSuspend CommandKind = "user_suspend"

	CmdDeviceReady    CommandKind = "device_ready"
	CmdStopRequested  CommandKind = "stop_requested"
	CmdVcpuError      CommandKind = "vcpu_error"
	CmdVcpuStopped    CommandKind = "vcpu_stopped"
	CmdVcpuSuspended  CommandKind = "vcpu_suspended"
	CmdVcpuRestarted  CommandKind = "vcpu_restarted"
	CmdSuspendTimeout CommandKind = "suspend_timeout"

	CmdFlashLock   CommandKind = "flash_lock"
	CmdFlashUnlock CommandKind = "flash_unlock"
)

func userCommand(kind CommandKind) (Command, <-chan error) {
	reply := make(chan error, 1)
	return Command{Kind: kind, Reply: reply}, reply
}
