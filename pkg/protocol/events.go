package protocol

// Audit event names emitted on the log stream.
const (
	EventToolInvoked        = "tool_invoked"
	EventPermissionRequest  = "permission_requested"
	EventPermissionApproved = "permission_approved"
	EventPermissionDenied   = "permission_denied"
	EventBrainResponse      = "brain_response"
	EventBrainAction        = "brain_action"
	EventBrainItemFailed    = "brain_item_failed"
	EventBrainStarted       = "brain_started"
	EventBrainStopped       = "brain_stopped"
	EventMaintenanceSweep   = "maintenance_sweep"
	EventShutdown           = "shutdown"
)

// Actor tags carried in chat message meta.
const (
	ActorHuman  = "human"
	ActorAgent  = "agent"
	ActorTool   = "tool"
	ActorCodex  = "codex"
	ActorSystem = "system"
)
