package protocol

// Method is an RPC method name. The set of valid methods is closed.
type Method string

const (
	MethodConnect          Method = "connect"
	MethodAgentRun         Method = "agent.run"
	MethodAgentAbort       Method = "agent.abort"
	MethodRuntimeSetMode   Method = "runtime.setMode"
	MethodSessionsCreate   Method = "sessions.create"
	MethodSessionsList     Method = "sessions.list"
	MethodSessionsGet      Method = "sessions.get"
	MethodSessionsHistory  Method = "sessions.history"
	MethodPolicyGet        Method = "policy.get"
	MethodPolicyUpdate     Method = "policy.update"
	MethodAuditQuery       Method = "audit.query"
	MethodUsersList        Method = "users.list"
	MethodUsersCreate      Method = "users.create"
	MethodMembersList      Method = "members.list"
	MethodMembersUpdate    Method = "members.update"
	MethodWorkspacesList   Method = "workspaces.list"
	MethodWorkspacesCreate Method = "workspaces.create"
)

// Methods lists every known method in a stable order.
var Methods = []Method{
	MethodConnect,
	MethodAgentRun,
	MethodAgentAbort,
	MethodRuntimeSetMode,
	MethodSessionsCreate,
	MethodSessionsList,
	MethodSessionsGet,
	MethodSessionsHistory,
	MethodPolicyGet,
	MethodPolicyUpdate,
	MethodAuditQuery,
	MethodUsersList,
	MethodUsersCreate,
	MethodMembersList,
	MethodMembersUpdate,
	MethodWorkspacesList,
	MethodWorkspacesCreate,
}

var knownMethods = func() map[Method]bool {
	m := make(map[Method]bool, len(Methods))
	for _, method := range Methods {
		m[method] = true
	}
	return m
}()

// Known reports whether m is part of the protocol.
func (m Method) Known() bool { return knownMethods[m] }

// ProtocolVersion is returned by a successful connect.
const ProtocolVersion = "openfoal.gateway.v1"
